package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/garyjia/requisition-portal/internal/application/port"
)

// LocalFileStorage implements port.AttachmentStore on the local filesystem.
// References are slash-separated paths relative to baseDir.
type LocalFileStorage struct {
	baseDir string
	logger  *zap.Logger
}

// NewLocalFileStorage creates a new LocalFileStorage
func NewLocalFileStorage(baseDir string, logger *zap.Logger) *LocalFileStorage {
	return &LocalFileStorage{
		baseDir: baseDir,
		logger:  logger,
	}
}

// Store writes content under the requisition's folder with a unique name
// and returns its reference
func (s *LocalFileStorage) Store(ctx context.Context, requisitionID int64, fileName string, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ref := requisitionFolder(requisitionID) + "/" + uuid.NewString()[:8] + "-" + SanitizeName(fileName)
	fullPath := s.GetFullPath(ref)

	if err := s.validatePath(fullPath); err != nil {
		return "", err
	}

	if err := ensureFolder(filepath.Dir(fullPath)); err != nil {
		s.logger.Error("Failed to create requisition folder",
			zap.Int64("requisition_id", requisitionID),
			zap.Error(err))
		return "", err
	}

	// O_EXCL keeps an existing attachment from being overwritten
	f, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		s.logger.Error("Failed to create file", zap.String("path", fullPath), zap.Error(err))
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		_ = os.Remove(fullPath)
		s.logger.Error("Failed to write file", zap.String("path", fullPath), zap.Error(err))
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(fullPath)
		return "", fmt.Errorf("failed to close file: %w", err)
	}

	s.logger.Debug("Attachment stored",
		zap.String("ref", ref),
		zap.Int("size", len(content)))

	return ref, nil
}

// Read returns the content stored under ref
func (s *LocalFileStorage) Read(ctx context.Context, ref string) ([]byte, error) {
	fullPath := s.GetFullPath(ref)

	if err := s.validatePath(fullPath); err != nil {
		return nil, err
	}

	content, err := os.ReadFile(fullPath)
	if err != nil {
		s.logger.Error("Failed to read file",
			zap.String("path", fullPath),
			zap.Error(err))
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return content, nil
}

// GetFullPath converts a reference to a filesystem path
func (s *LocalFileStorage) GetFullPath(ref string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(ref))
}

// validatePath checks that the path is safe and within baseDir
func (s *LocalFileStorage) validatePath(fullPath string) error {
	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	absBase, err := filepath.Abs(s.baseDir)
	if err != nil {
		return fmt.Errorf("failed to resolve base path: %w", err)
	}

	if !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) {
		return fmt.Errorf("path escapes base directory: %s", fullPath)
	}

	return nil
}

// Verify interface compliance
var _ port.AttachmentStore = (*LocalFileStorage)(nil)
