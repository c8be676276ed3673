package builder

import (
	"errors"
	"time"
)

// UploadState is the lifecycle position of a file upload attached to a builder session.
type UploadState string

const (
	UploadIdle       UploadState = "idle"
	UploadUploading  UploadState = "uploading"
	UploadProcessing UploadState = "processing"
	UploadReady      UploadState = "ready"
	UploadFailed     UploadState = "failed"
)

var ErrUploadInProgress = errors.New("upload in progress")

// UploadSession tracks the file behind a file-backed QR type while the builder is open.
type UploadSession struct {
	Field            string      `json:"field,omitempty"`
	State            UploadState `json:"state"`
	FileID           string      `json:"fileId,omitempty"`
	Name             string      `json:"name,omitempty"`
	SupersededFileID string      `json:"supersededFileId,omitempty"`
	Error            string      `json:"error,omitempty"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// Busy reports whether a file is being uploaded or processed.
func (u UploadSession) Busy() bool {
	return u.State == UploadUploading || u.State == UploadProcessing
}

// Begin starts a new upload. A ready file becomes the superseded one.
func (u *UploadSession) Begin(field, name string, now time.Time) error {
	if u.Busy() {
		return ErrUploadInProgress
	}
	if u.State == UploadReady && u.FileID != "" {
		u.SupersededFileID = u.FileID
	}
	u.Field = field
	u.Name = name
	u.FileID = ""
	u.Error = ""
	u.State = UploadUploading
	u.UpdatedAt = now
	return nil
}

// Stored marks the bytes as persisted; the file is now being processed.
func (u *UploadSession) Stored(fileID string, now time.Time) error {
	if u.State != UploadUploading {
		return errors.New("upload not in uploading state")
	}
	u.FileID = fileID
	u.State = UploadProcessing
	u.UpdatedAt = now
	return nil
}

// Ready marks processing as complete.
func (u *UploadSession) Ready(now time.Time) error {
	if u.State != UploadProcessing {
		return errors.New("upload not in processing state")
	}
	u.State = UploadReady
	u.UpdatedAt = now
	return nil
}

// Fail records a failed upload or processing step.
func (u *UploadSession) Fail(err error, now time.Time) {
	u.State = UploadFailed
	if err != nil {
		u.Error = err.Error()
	}
	u.UpdatedAt = now
}
