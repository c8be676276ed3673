package domain

import (
	"encoding/json"
	"time"
)

// QrType identifies what a QR code carries.
type QrType string

const (
	TypeWebsite  QrType = "website"
	TypeWhatsApp QrType = "whatsapp"
	TypeSocial   QrType = "social"
	TypeAppLink  QrType = "app_link"
	TypeFeedback QrType = "feedback"
	TypeWiFi     QrType = "wifi"
	TypePDF      QrType = "pdf"
	TypeImage    QrType = "image"
	TypeVideo    QrType = "video"
	TypeVCard    QrType = "vcard"
)

// AllQrTypes lists every supported type in display order.
var AllQrTypes = []QrType{
	TypeWebsite, TypeWhatsApp, TypeSocial, TypeAppLink, TypeFeedback,
	TypeWiFi, TypePDF, TypeImage, TypeVideo, TypeVCard,
}

// ParseQrType normalizes a raw type string.
func ParseQrType(raw string) (QrType, bool) {
	for _, t := range AllQrTypes {
		if string(t) == raw {
			return t, true
		}
	}
	return "", false
}

// FileBacked reports whether the payload of t is derived from an uploaded file.
func (t QrType) FileBacked() bool {
	return t == TypePDF || t == TypeImage || t == TypeVideo
}

// Placeholder is the title used when a draft is saved without one.
func (t QrType) Placeholder() string {
	switch t {
	case TypeWebsite:
		return "Website QR"
	case TypeWhatsApp:
		return "WhatsApp QR"
	case TypeSocial:
		return "Social QR"
	case TypeAppLink:
		return "App QR"
	case TypeFeedback:
		return "Feedback QR"
	case TypeWiFi:
		return "WiFi QR"
	case TypePDF:
		return "PDF QR"
	case TypeImage:
		return "Image QR"
	case TypeVideo:
		return "Video QR"
	case TypeVCard:
		return "vCard QR"
	}
	return "QR Code"
}

type UserRole string

const (
	RoleUser   UserRole = "user"
	RoleViewer UserRole = "viewer"
	RoleAdmin  UserRole = "admin"
)

type Plan string

const (
	PlanFree     Plan = "free"
	PlanPro      Plan = "pro"
	PlanBusiness Plan = "business"
)

// Permission scopes carried by a session.
const (
	ScopeQrsRead         = "qrs.read"
	ScopeQrsWrite        = "qrs.write"
	ScopeAnalyticsRead   = "analytics.read"
	ScopeAnalyticsExport = "analytics.export"
)

// ScopesForRole returns the permission scopes granted to a role.
func ScopesForRole(role UserRole) []string {
	switch role {
	case RoleAdmin, RoleUser:
		return []string{ScopeQrsRead, ScopeQrsWrite, ScopeAnalyticsRead, ScopeAnalyticsExport}
	case RoleViewer:
		return []string{ScopeQrsRead, ScopeAnalyticsRead}
	}
	return nil
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name,omitempty"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	Plan         Plan      `json:"plan"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// HasScope reports whether the user's role grants scope.
func (u User) HasScope(scope string) bool {
	for _, s := range ScopesForRole(u.Role) {
		if s == scope {
			return true
		}
	}
	return false
}

// QrDraft is the in-progress representation of a QR code before it is persisted.
type QrDraft struct {
	QrType       QrType          `json:"qrType"`
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	Styles       json.RawMessage `json:"styles,omitempty"`
	FrameOptions json.RawMessage `json:"frameOptions,omitempty"`
	FileID       string          `json:"fileId,omitempty"`
	Data         string          `json:"data,omitempty"`
	URL          string          `json:"url,omitempty"`
	Link         *LinkInput      `json:"link,omitempty"`
}

// LinkInput is the short link part of a create request. URL is the explicit destination.
type LinkInput struct {
	URL string `json:"url,omitempty"`
}

type QrRecord struct {
	ID           string          `json:"id"`
	UserID       string          `json:"userId,omitempty"`
	SessionID    string          `json:"-"`
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	QrType       QrType          `json:"qrType"`
	Data         string          `json:"data"`
	Content      json.RawMessage `json:"content,omitempty"`
	Styles       json.RawMessage `json:"styles,omitempty"`
	FrameOptions json.RawMessage `json:"frameOptions,omitempty"`
	FileID       string          `json:"fileId,omitempty"`
	LinkID       string          `json:"linkId"`
	Archived     bool            `json:"archived"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`

	Link *LinkRecord `json:"link,omitempty"`
	File *FileRecord `json:"file,omitempty"`
	User *User       `json:"user,omitempty"`
}

// LinkRecord is the trackable short link every QR code redirects through.
type LinkRecord struct {
	ID          string     `json:"id"`
	Domain      string     `json:"domain"`
	Key         string     `json:"key"`
	URL         string     `json:"url"`
	UserID      string     `json:"userId,omitempty"`
	Archived    bool       `json:"archived"`
	Clicks      int64      `json:"clicks"`
	Leads       int64      `json:"leads"`
	Sales       int64      `json:"sales"`
	SaleAmount  int64      `json:"saleAmount"`
	LastClicked *time.Time `json:"lastClicked,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// ShortLink renders the public short URL.
func (l LinkRecord) ShortLink() string {
	return "https://" + l.Domain + "/" + l.Key
}

// FileRecord is an uploaded file. SessionID is the builder session that uploaded it and
// owns it until a user does.
type FileRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId,omitempty"`
	SessionID   string    `json:"-"`
	StorageKey  string    `json:"-"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
	CreatedAt   time.Time `json:"createdAt"`
}

// OwnedBy reports whether the file belongs to the user, or to the anonymous session when
// no user owns it.
func (f FileRecord) OwnedBy(userID, sessionID string) bool {
	if f.UserID != "" {
		return f.UserID == userID
	}
	return f.SessionID != "" && f.SessionID == sessionID
}

// Page size bounds for QR listings.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ListQuery filters and pages QR listings.
type ListQuery struct {
	Page            int
	PageSize        int
	SortBy          string
	SortOrder       string
	Search          string
	UserID          string
	IncludeArchived bool
	OnlyArchived    bool
}

// Normalize clamps paging and sorting to supported values.
func (q ListQuery) Normalize() ListQuery {
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	switch q.SortBy {
	case "createdAt", "updatedAt", "title", "clicks":
	default:
		q.SortBy = "createdAt"
	}
	if q.SortOrder != "asc" {
		q.SortOrder = "desc"
	}
	return q
}
