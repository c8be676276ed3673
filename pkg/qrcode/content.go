// Package qrcode maps the typed form data of each QR type to the single payload string
// embedded in (or redirected to by) the QR symbol, and back.
package qrcode

import (
	"encoding/json"
	"fmt"
	"strings"

	"getqr/pkg/domain"
)

// Content is the type-specific payload of a QR code. Exactly one concrete type exists per
// domain.QrType; File covers the three file-backed types.
type Content interface {
	Type() domain.QrType
}

type Website struct {
	URL string `json:"url" validate:"required,weburl"`
}

type WhatsApp struct {
	Phone   string `json:"phone" validate:"required,phone"`
	Message string `json:"message,omitempty" validate:"max=1000"`
}

type Social struct {
	Platform string `json:"platform" validate:"required,oneof=instagram facebook tiktok x linkedin youtube"`
	Username string `json:"username" validate:"required,handle"`
}

type AppLink struct {
	IOSURL      string `json:"iosUrl,omitempty" validate:"omitempty,weburl"`
	AndroidURL  string `json:"androidUrl,omitempty" validate:"omitempty,weburl"`
	FallbackURL string `json:"fallbackUrl" validate:"required,weburl"`
}

type Feedback struct {
	Business string `json:"business,omitempty" validate:"max=100"`
	Question string `json:"question" validate:"required,max=280"`
	Email    string `json:"email" validate:"required,email"`
}

type WiFi struct {
	SSID       string `json:"ssid" validate:"required,max=32"`
	Password   string `json:"password,omitempty" validate:"max=63"`
	Encryption string `json:"encryption" validate:"oneof=WPA WEP nopass"`
	Hidden     bool   `json:"hidden,omitempty"`
}

type VCard struct {
	FirstName    string `json:"firstName,omitempty" validate:"max=100"`
	LastName     string `json:"lastName,omitempty" validate:"max=100"`
	Organization string `json:"organization,omitempty" validate:"max=100"`
	Title        string `json:"title,omitempty" validate:"max=100"`
	Phone        string `json:"phone,omitempty" validate:"omitempty,phone"`
	Mobile       string `json:"mobile,omitempty" validate:"omitempty,phone"`
	Email        string `json:"email,omitempty" validate:"omitempty,email"`
	Website      string `json:"website,omitempty" validate:"omitempty,weburl"`
	Street       string `json:"street,omitempty"`
	City         string `json:"city,omitempty"`
	Zip          string `json:"zip,omitempty"`
	Country      string `json:"country,omitempty"`
	Note         string `json:"note,omitempty" validate:"max=500"`
}

// File references an uploaded asset. Kind is one of the file-backed types.
type File struct {
	Kind   domain.QrType `json:"-"`
	FileID string        `json:"fileId" validate:"required"`
	Name   string        `json:"name,omitempty"`
}

func (Website) Type() domain.QrType  { return domain.TypeWebsite }
func (WhatsApp) Type() domain.QrType { return domain.TypeWhatsApp }
func (Social) Type() domain.QrType   { return domain.TypeSocial }
func (AppLink) Type() domain.QrType  { return domain.TypeAppLink }
func (Feedback) Type() domain.QrType { return domain.TypeFeedback }
func (WiFi) Type() domain.QrType     { return domain.TypeWiFi }
func (VCard) Type() domain.QrType    { return domain.TypeVCard }
func (f File) Type() domain.QrType   { return f.Kind }

// FullName joins the first and last name.
func (v VCard) FullName() string {
	return strings.TrimSpace(v.FirstName + " " + v.LastName)
}

// DefaultContent returns the blank form for a newly selected type.
func DefaultContent(t domain.QrType) (Content, error) {
	switch t {
	case domain.TypeWebsite:
		return Website{}, nil
	case domain.TypeWhatsApp:
		return WhatsApp{}, nil
	case domain.TypeSocial:
		return Social{Platform: "instagram"}, nil
	case domain.TypeAppLink:
		return AppLink{}, nil
	case domain.TypeFeedback:
		return Feedback{}, nil
	case domain.TypeWiFi:
		return WiFi{Encryption: "WPA"}, nil
	case domain.TypeVCard:
		return VCard{}, nil
	case domain.TypePDF, domain.TypeImage, domain.TypeVideo:
		return File{Kind: t}, nil
	}
	return nil, fmt.Errorf("unsupported qr type %q", t)
}

// ParseContent decodes the JSON form data for t. Empty input yields the default form.
func ParseContent(t domain.QrType, raw json.RawMessage) (Content, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return DefaultContent(t)
	}
	var (
		c   Content
		err error
	)
	switch t {
	case domain.TypeWebsite:
		var v Website
		err = json.Unmarshal(raw, &v)
		c = v
	case domain.TypeWhatsApp:
		var v WhatsApp
		err = json.Unmarshal(raw, &v)
		c = v
	case domain.TypeSocial:
		var v Social
		err = json.Unmarshal(raw, &v)
		c = v
	case domain.TypeAppLink:
		var v AppLink
		err = json.Unmarshal(raw, &v)
		c = v
	case domain.TypeFeedback:
		var v Feedback
		err = json.Unmarshal(raw, &v)
		c = v
	case domain.TypeWiFi:
		var v WiFi
		err = json.Unmarshal(raw, &v)
		c = v
	case domain.TypeVCard:
		var v VCard
		err = json.Unmarshal(raw, &v)
		c = v
	case domain.TypePDF, domain.TypeImage, domain.TypeVideo:
		v := File{Kind: t}
		err = json.Unmarshal(raw, &v)
		v.Kind = t
		c = v
	default:
		return nil, fmt.Errorf("unsupported qr type %q", t)
	}
	if err != nil {
		return nil, domain.FieldError("content", "invalid content for "+string(t))
	}
	return c, nil
}

// MarshalContent encodes c as the JSON stored alongside a record.
func MarshalContent(c Content) (json.RawMessage, error) {
	if c == nil {
		return nil, nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	return raw, nil
}

// Normalize trims whitespace and canonicalizes fields so that equal inputs encode equally.
func Normalize(c Content) Content {
	switch v := c.(type) {
	case Website:
		v.URL = strings.TrimSpace(v.URL)
		return v
	case WhatsApp:
		if p, ok := NormalizePhone(v.Phone); ok {
			v.Phone = p
		} else {
			v.Phone = strings.TrimSpace(v.Phone)
		}
		v.Message = strings.TrimSpace(v.Message)
		return v
	case Social:
		v.Platform = strings.ToLower(strings.TrimSpace(v.Platform))
		v.Username = strings.TrimPrefix(strings.TrimSpace(v.Username), "@")
		return v
	case AppLink:
		v.IOSURL = strings.TrimSpace(v.IOSURL)
		v.AndroidURL = strings.TrimSpace(v.AndroidURL)
		v.FallbackURL = strings.TrimSpace(v.FallbackURL)
		return v
	case Feedback:
		v.Business = strings.TrimSpace(v.Business)
		v.Question = strings.TrimSpace(v.Question)
		v.Email = strings.ToLower(strings.TrimSpace(v.Email))
		return v
	case WiFi:
		v.SSID = strings.TrimSpace(v.SSID)
		v.Encryption = normalizeEncryption(v.Encryption)
		if v.Encryption == "nopass" {
			v.Password = ""
		}
		return v
	case VCard:
		v.FirstName = strings.TrimSpace(v.FirstName)
		v.LastName = strings.TrimSpace(v.LastName)
		v.Organization = strings.TrimSpace(v.Organization)
		v.Title = strings.TrimSpace(v.Title)
		if p, ok := NormalizePhone(v.Phone); ok {
			v.Phone = p
		}
		if p, ok := NormalizePhone(v.Mobile); ok {
			v.Mobile = p
		}
		v.Email = strings.ToLower(strings.TrimSpace(v.Email))
		v.Website = strings.TrimSpace(v.Website)
		v.Street = strings.TrimSpace(v.Street)
		v.City = strings.TrimSpace(v.City)
		v.Zip = strings.TrimSpace(v.Zip)
		v.Country = strings.TrimSpace(v.Country)
		v.Note = strings.TrimSpace(v.Note)
		return v
	case File:
		v.FileID = strings.TrimSpace(v.FileID)
		v.Name = strings.TrimSpace(v.Name)
		return v
	}
	return c
}

func normalizeEncryption(raw string) string {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "WPA", "WPA2", "WPA3", "WPA/WPA2":
		return "WPA"
	case "WEP":
		return "WEP"
	case "NONE", "NOPASS", "OPEN":
		return "nopass"
	}
	return strings.TrimSpace(raw)
}
