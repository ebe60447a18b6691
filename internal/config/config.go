package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/garyjia/requisition-portal/internal/domain/routing"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logger     LoggerConfig     `mapstructure:"logger"`
	Routing    RoutingConfig    `mapstructure:"routing"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Lock       LockConfig       `mapstructure:"lock"`
	Lark       LarkConfig       `mapstructure:"lark"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// RoutingConfig is the approval routing policy as written in the config file.
// Costs are strings so they parse exactly into decimals.
type RoutingConfig struct {
	AdminThreshold string             `mapstructure:"admin_threshold"`
	Departments    []DepartmentConfig `mapstructure:"departments"`
	Default        *DepartmentConfig  `mapstructure:"default"`
}

// DepartmentConfig is one department's approval chain
type DepartmentConfig struct {
	Name      string           `mapstructure:"name"`
	Code      string           `mapstructure:"code"`
	Approvers []ApproverConfig `mapstructure:"approvers"`
	Tiers     []TierConfig     `mapstructure:"tiers"`
}

// ApproverConfig assigns an approver to a level
type ApproverConfig struct {
	Level      int    `mapstructure:"level"`
	ApproverID string `mapstructure:"approver_id"`
}

// TierConfig maps a cost floor to the highest level it requires
type TierConfig struct {
	MinCost  string `mapstructure:"min_cost"`
	MaxLevel int    `mapstructure:"max_level"`
}

// StorageConfig holds attachment storage configuration
type StorageConfig struct {
	AttachmentDir      string `mapstructure:"attachment_dir"`
	MaxAttachmentBytes int64  `mapstructure:"max_attachment_bytes"`
}

// LockConfig selects the per-requisition lock backend
type LockConfig struct {
	Backend       string        `mapstructure:"backend"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl"`
	Wait          time.Duration `mapstructure:"wait"`
}

// LarkConfig holds Lark API configuration. Notifications go to Lark only
// when both credentials are set.
type LarkConfig struct {
	AppID         string `mapstructure:"app_id"`
	AppSecret     string `mapstructure:"app_secret"`
	ReceiveIDType string `mapstructure:"receive_id_type"`
	OpsChatID     string `mapstructure:"ops_chat_id"`
}

// Enabled reports whether Lark credentials are configured
func (l LarkConfig) Enabled() bool {
	return l.AppID != "" && l.AppSecret != ""
}

// ReconcilerConfig holds projection reconciler configuration
type ReconcilerConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

const (
	LockBackendLocal = "local"
	LockBackendRedis = "redis"
)

// Load loads configuration from file, an optional .env file and environment
// variables. An empty configPath uses defaults and environment only.
func Load(configPath, envFile string) (*Config, error) {
	if envFile != "" {
		if err := gotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)
	bindEnvVars(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.path", "data/requisitions.db")
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", 0)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.output_path", "stdout")
	v.SetDefault("logger.format", "json")

	v.SetDefault("routing.admin_threshold", "50000")

	v.SetDefault("storage.attachment_dir", "data/attachments")
	v.SetDefault("storage.max_attachment_bytes", 20<<20)

	v.SetDefault("lock.backend", LockBackendLocal)
	v.SetDefault("lock.redis_addr", "localhost:6379")
	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("lock.wait", 5*time.Second)

	v.SetDefault("lark.receive_id_type", "user_id")

	v.SetDefault("reconciler.enabled", true)
	v.SetDefault("reconciler.interval", 5*time.Minute)
	v.SetDefault("reconciler.batch_size", 200)
}

// bindEnvVars binds environment variables to configuration
func bindEnvVars(v *viper.Viper) {
	v.SetEnvPrefix("REQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Credentials keep their conventional names
	_ = v.BindEnv("lark.app_id", "LARK_APP_ID")
	_ = v.BindEnv("lark.app_secret", "LARK_APP_SECRET")
	_ = v.BindEnv("lark.ops_chat_id", "LARK_OPS_CHAT_ID")
	_ = v.BindEnv("lock.redis_addr", "REDIS_ADDR")
	_ = v.BindEnv("lock.redis_password", "REDIS_PASSWORD")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Storage.AttachmentDir == "" {
		return fmt.Errorf("storage.attachment_dir is required")
	}

	switch c.Lock.Backend {
	case LockBackendLocal:
	case LockBackendRedis:
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("lock.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("lock.backend must be %q or %q, got %q", LockBackendLocal, LockBackendRedis, c.Lock.Backend)
	}

	if (c.Lark.AppID == "") != (c.Lark.AppSecret == "") {
		return fmt.Errorf("lark.app_id and lark.app_secret must be set together")
	}

	if _, err := c.RoutingPolicy(); err != nil {
		return err
	}
	return nil
}

// RoutingPolicy builds the routing policy the resolver consumes
func (c *Config) RoutingPolicy() (*routing.Policy, error) {
	threshold, err := parseCost("routing.admin_threshold", c.Routing.AdminThreshold)
	if err != nil {
		return nil, err
	}

	departments := make([]*routing.DepartmentPolicy, 0, len(c.Routing.Departments))
	seen := make(map[string]bool, len(c.Routing.Departments))
	for i, d := range c.Routing.Departments {
		key := strings.ToLower(strings.TrimSpace(d.Name))
		if key == "" {
			return nil, fmt.Errorf("routing.departments[%d]: name is required", i)
		}
		if seen[key] {
			return nil, fmt.Errorf("routing.departments[%d]: duplicate department %q", i, d.Name)
		}
		seen[key] = true

		dp, err := d.toPolicy(fmt.Sprintf("routing.departments[%d]", i))
		if err != nil {
			return nil, err
		}
		departments = append(departments, dp)
	}

	var def *routing.DepartmentPolicy
	if c.Routing.Default != nil {
		def, err = c.Routing.Default.toPolicy("routing.default")
		if err != nil {
			return nil, err
		}
	}

	policy := routing.NewPolicy(threshold, departments, def)
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return policy, nil
}

func (d DepartmentConfig) toPolicy(path string) (*routing.DepartmentPolicy, error) {
	dp := &routing.DepartmentPolicy{
		Name:      d.Name,
		Code:      d.Code,
		Approvers: make(map[int]string, len(d.Approvers)),
	}
	for _, a := range d.Approvers {
		if _, dup := dp.Approvers[a.Level]; dup {
			return nil, fmt.Errorf("%s: level %d has more than one approver", path, a.Level)
		}
		dp.Approvers[a.Level] = strings.TrimSpace(a.ApproverID)
	}
	for i, t := range d.Tiers {
		minCost, err := parseCost(fmt.Sprintf("%s.tiers[%d].min_cost", path, i), t.MinCost)
		if err != nil {
			return nil, err
		}
		dp.Tiers = append(dp.Tiers, routing.Tier{MinCost: minCost, MaxLevel: t.MaxLevel})
	}
	return dp, nil
}

func parseCost(path, value string) (decimal.Decimal, error) {
	if strings.TrimSpace(value) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid amount %q", path, value)
	}
	return d, nil
}
