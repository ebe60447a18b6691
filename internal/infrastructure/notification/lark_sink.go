package notification

import (
	"context"
	"encoding/json"
	"fmt"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"go.uber.org/zap"

	"github.com/garyjia/requisition-portal/internal/application/port"
)

// LarkConfig holds Lark messaging configuration
type LarkConfig struct {
	AppID     string
	AppSecret string
	// ReceiveIDType is how Target identities are addressed: user_id, open_id or email
	ReceiveIDType string
	// OpsChatID receives notifications that have no personal target
	OpsChatID string
}

// messageSender sends one IM message and returns its ID
type messageSender interface {
	SendMessage(ctx context.Context, receiveIDType, receiveID, msgType, content string) (string, error)
}

// MessageAPI sends messages through the Lark IM API
type MessageAPI struct {
	client *lark.Client
	logger *zap.Logger
}

// NewLarkClient creates a Lark SDK client
func NewLarkClient(cfg LarkConfig) *lark.Client {
	return lark.NewClient(cfg.AppID, cfg.AppSecret,
		lark.WithLogLevel(larkcore.LogLevelInfo),
		lark.WithEnableTokenCache(true),
	)
}

// NewMessageAPI creates a new message API handler
func NewMessageAPI(client *lark.Client, logger *zap.Logger) *MessageAPI {
	return &MessageAPI{
		client: client,
		logger: logger,
	}
}

// SendMessage sends a message to a user or group
func (m *MessageAPI) SendMessage(ctx context.Context, receiveIDType, receiveID, msgType, content string) (string, error) {
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveIDType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(receiveID).
			MsgType(msgType).
			Content(content).
			Build()).
		Build()

	resp, err := m.client.Im.Message.Create(ctx, req)
	if err != nil {
		m.logger.Error("Failed to send message",
			zap.String("receive_id", receiveID),
			zap.Error(err))
		return "", fmt.Errorf("failed to send message: %w", err)
	}

	if !resp.Success() {
		m.logger.Error("API returned failure",
			zap.String("receive_id", receiveID),
			zap.Int("code", resp.Code),
			zap.String("msg", resp.Msg))
		return "", fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}

	messageID := ""
	if resp.Data != nil && resp.Data.MessageId != nil {
		messageID = *resp.Data.MessageId
	}
	return messageID, nil
}

// LarkSink delivers notifications as Lark text messages
type LarkSink struct {
	sender        messageSender
	receiveIDType string
	opsChatID     string
	logger        *zap.Logger
}

// NewLarkSink creates a sink sending through api
func NewLarkSink(api *MessageAPI, cfg LarkConfig, logger *zap.Logger) *LarkSink {
	return newLarkSink(api, cfg, logger)
}

func newLarkSink(sender messageSender, cfg LarkConfig, logger *zap.Logger) *LarkSink {
	receiveIDType := cfg.ReceiveIDType
	if receiveIDType == "" {
		receiveIDType = "user_id"
	}
	return &LarkSink{
		sender:        sender,
		receiveIDType: receiveIDType,
		opsChatID:     cfg.OpsChatID,
		logger:        logger,
	}
}

func (s *LarkSink) Name() string { return "lark" }

// Notify sends n to its target, or to the operations chat when it has none
func (s *LarkSink) Notify(ctx context.Context, n port.Notification) error {
	receiveIDType, receiveID := s.receiveIDType, n.Target
	if receiveID == "" {
		if s.opsChatID == "" {
			return nil
		}
		receiveIDType, receiveID = "chat_id", s.opsChatID
	}

	content, err := json.Marshal(map[string]string{"text": n.Message})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	messageID, err := s.sender.SendMessage(ctx, receiveIDType, receiveID, "text", string(content))
	if err != nil {
		return err
	}

	s.logger.Debug("Message sent",
		zap.String("message_id", messageID),
		zap.Int64("requisition_id", n.RequisitionID))
	return nil
}

// Verify interface compliance
var _ port.NotificationSink = (*LarkSink)(nil)
