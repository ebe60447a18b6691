package port

import "context"

// AttachmentStore keeps attachment bytes outside the workflow database
type AttachmentStore interface {
	// Store saves content and returns the reference used to read it back
	Store(ctx context.Context, requisitionID int64, fileName string, content []byte) (string, error)
	Read(ctx context.Context, ref string) ([]byte, error)
}
