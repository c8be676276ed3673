package qrcode

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"getqr/pkg/domain"
)

const summaryMaxRunes = 80

// Destination returns the URL a scan should land on for URL-like content. Inline types
// (wifi, vcard, feedback) return "" and are served from the hosted preview page instead.
func Destination(t domain.QrType, payload string) string {
	switch t {
	case domain.TypeWebsite, domain.TypeWhatsApp, domain.TypeSocial,
		domain.TypePDF, domain.TypeImage, domain.TypeVideo:
		return payload
	case domain.TypeAppLink:
		c, err := Decode(t, payload)
		if err != nil {
			return ""
		}
		return c.(AppLink).FallbackURL
	}
	return ""
}

// Inline reports whether the payload of t is shown on the hosted preview page rather than
// redirected to.
func Inline(t domain.QrType) bool {
	return t == domain.TypeWiFi || t == domain.TypeVCard || t == domain.TypeFeedback
}

// Summary recovers a short human readable description of a stored payload for list views.
func Summary(t domain.QrType, payload string) string {
	c, err := Decode(t, payload)
	if err != nil {
		return truncate(payload)
	}
	var s string
	switch v := c.(type) {
	case Website:
		s = v.URL
	case WhatsApp:
		s = v.Phone
		if v.Message != "" {
			s += ": " + v.Message
		}
	case Social:
		s = v.Platform + " @" + v.Username
	case AppLink:
		s = v.FallbackURL
	case Feedback:
		s = v.Question
		if v.Business != "" {
			s = v.Business + ": " + s
		}
	case WiFi:
		s = "WiFi " + v.SSID
		if v.Hidden {
			s += " (hidden)"
		}
	case VCard:
		s = v.FullName()
		if v.Organization != "" {
			s += ", " + v.Organization
		}
	case File:
		s = v.Name
		if s == "" {
			s = v.FileID
		}
	}
	return truncate(s)
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= summaryMaxRunes {
		return s
	}
	r := []rune(s)
	return string(r[:summaryMaxRunes-1]) + "…"
}

// Customization is the subset of the opaque style options shown in list and edit views.
type Customization struct {
	DotsType        string `json:"dotsType"`
	DotsColor       string `json:"dotsColor"`
	CornersType     string `json:"cornersType"`
	CornersColor    string `json:"cornersColor"`
	BackgroundColor string `json:"backgroundColor"`
	Logo            string `json:"logo,omitempty"`
	Frame           string `json:"frame,omitempty"`
	FrameText       string `json:"frameText,omitempty"`
}

// DefaultCustomization matches a plain black-on-white square code.
func DefaultCustomization() Customization {
	return Customization{
		DotsType:        "square",
		DotsColor:       "#000000",
		CornersType:     "square",
		CornersColor:    "#000000",
		BackgroundColor: "#ffffff",
	}
}

// ExtractCustomization reads the display-relevant customization out of stored style and
// frame options. Unknown or malformed input falls back to defaults.
func ExtractCustomization(styles, frame json.RawMessage) Customization {
	out := DefaultCustomization()
	var s struct {
		DotsOptions struct {
			Type  string `json:"type"`
			Color string `json:"color"`
		} `json:"dotsOptions"`
		CornersSquareOptions struct {
			Type  string `json:"type"`
			Color string `json:"color"`
		} `json:"cornersSquareOptions"`
		BackgroundOptions struct {
			Color string `json:"color"`
		} `json:"backgroundOptions"`
		Image string `json:"image"`
	}
	if len(styles) > 0 && json.Unmarshal(styles, &s) == nil {
		setIfNonEmpty(&out.DotsType, s.DotsOptions.Type)
		setIfNonEmpty(&out.DotsColor, s.DotsOptions.Color)
		setIfNonEmpty(&out.CornersType, s.CornersSquareOptions.Type)
		setIfNonEmpty(&out.CornersColor, s.CornersSquareOptions.Color)
		setIfNonEmpty(&out.BackgroundColor, s.BackgroundOptions.Color)
		out.Logo = s.Image
	}
	var f struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}
	if len(frame) > 0 && json.Unmarshal(frame, &f) == nil && f.ID != "none" {
		out.Frame = f.ID
		out.FrameText = f.Text
	}
	return out
}

func setIfNonEmpty(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
