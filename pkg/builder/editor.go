package builder

import (
	"context"
	"fmt"

	"getqr/pkg/domain"
	"getqr/pkg/qrcode"
)

// ContentEditor is the quick-edit path: it runs only the content validation and submit
// against an existing record, keeping its styles and title.
type ContentEditor struct {
	record  domain.QrRecord
	fileURL qrcode.FileURLFunc
}

func NewContentEditor(record domain.QrRecord, fileURL qrcode.FileURLFunc) *ContentEditor {
	return &ContentEditor{record: record, fileURL: fileURL}
}

// Current returns the record's content as editable fields.
func (e *ContentEditor) Current() (qrcode.Content, error) {
	return recordContent(e.record)
}

// Submit validates c, encodes it and hands the updated draft to saver.
func (e *ContentEditor) Submit(ctx context.Context, c qrcode.Content, saver Saver) (domain.QrRecord, error) {
	if c == nil || c.Type() != e.record.QrType {
		return domain.QrRecord{}, domain.FieldError("content", "content does not match qr type")
	}
	// The file itself is replaced through an upload, never by quick edit.
	if f, ok := c.(qrcode.File); ok {
		f.FileID = e.record.FileID
		c = f
	}
	if err := qrcode.Validate(c); err != nil {
		return domain.QrRecord{}, err
	}
	c = qrcode.Normalize(c)
	payload, err := qrcode.Encode(c, e.fileURL)
	if err != nil {
		return domain.QrRecord{}, fmt.Errorf("encode content: %w", err)
	}
	raw, err := qrcode.MarshalContent(c)
	if err != nil {
		return domain.QrRecord{}, err
	}
	draft := domain.QrDraft{
		QrType:       e.record.QrType,
		Title:        e.record.Title,
		Description:  e.record.Description,
		Content:      raw,
		Styles:       e.record.Styles,
		FrameOptions: e.record.FrameOptions,
		FileID:       e.record.FileID,
		Data:         payload,
	}
	if f, ok := c.(qrcode.File); ok {
		draft.FileID = f.FileID
	}
	return saver.Update(ctx, e.record.ID, draft)
}

// recordContent prefers the stored form fields and falls back to decoding the payload.
func recordContent(record domain.QrRecord) (qrcode.Content, error) {
	if len(record.Content) == 0 && record.Data != "" {
		if c, err := qrcode.Decode(record.QrType, record.Data); err == nil {
			if f, ok := c.(qrcode.File); ok && record.FileID != "" {
				f.FileID = record.FileID
				c = f
			}
			return c, nil
		}
	}
	return qrcode.ParseContent(record.QrType, record.Content)
}
