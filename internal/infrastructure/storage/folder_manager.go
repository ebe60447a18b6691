package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9.\-_]`)

// requisitionFolder is the directory, relative to the store root, holding a
// requisition's attachments
func requisitionFolder(requisitionID int64) string {
	return fmt.Sprintf("req-%06d", requisitionID)
}

// ensureFolder creates dir and its parents
func ensureFolder(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create folder: %w", err)
	}
	return nil
}

// SanitizeName returns a filesystem-safe version of a file name.
// Path separators and parent references are removed; the extension is kept.
func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.ReplaceAll(name, "..", "")
	name = strings.ReplaceAll(name, "/", "")
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, ".")

	if name == "" {
		return "file"
	}
	if len(name) > 128 {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:128-len(ext)] + ext
	}
	return name
}
