package entity

import "time"

// Attachment is metadata for a file supporting a requisition. The bytes
// live in the attachment store; StoredRef is the store's handle for them.
type Attachment struct {
	ID            int64     `json:"id"`
	RequisitionID int64     `json:"requisition_id"`
	FileName      string    `json:"file_name"`
	ContentType   string    `json:"content_type"`
	FileSize      int64     `json:"file_size"`
	StoredRef     string    `json:"stored_ref"`
	UploadedBy    string    `json:"uploaded_by"`
	UploadedAt    time.Time `json:"uploaded_at"`
}

// AttachmentFile represents uploaded file content on its way to the store
type AttachmentFile struct {
	Content     []byte
	FileName    string
	ContentType string
	Size        int64
}
