package qrcode

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"getqr/pkg/domain"
)

// FileURLFunc resolves an uploaded file id into its public storage URL.
type FileURLFunc func(fileID string) (string, error)

var socialProfileBase = map[string]string{
	"instagram": "https://instagram.com/",
	"facebook":  "https://facebook.com/",
	"tiktok":    "https://tiktok.com/@",
	"x":         "https://x.com/",
	"linkedin":  "https://linkedin.com/in/",
	"youtube":   "https://youtube.com/@",
}

// Encode renders c into the payload string of its QR type. fileURL is only consulted for
// file-backed types.
func Encode(c Content, fileURL FileURLFunc) (string, error) {
	if c == nil {
		return "", errors.New("content required")
	}
	switch v := Normalize(c).(type) {
	case Website:
		return v.URL, nil
	case WhatsApp:
		digits := strings.TrimPrefix(v.Phone, "+")
		out := "https://wa.me/" + digits
		if v.Message != "" {
			out += "?text=" + url.QueryEscape(v.Message)
		}
		return out, nil
	case Social:
		base, ok := socialProfileBase[v.Platform]
		if !ok {
			return "", fmt.Errorf("unsupported social platform %q", v.Platform)
		}
		return base + v.Username, nil
	case AppLink:
		q := url.Values{}
		setIf(q, "ios", v.IOSURL)
		setIf(q, "android", v.AndroidURL)
		setIf(q, "fallback", v.FallbackURL)
		return q.Encode(), nil
	case Feedback:
		q := url.Values{}
		setIf(q, "business", v.Business)
		setIf(q, "question", v.Question)
		setIf(q, "email", v.Email)
		return q.Encode(), nil
	case WiFi:
		return encodeWiFi(v), nil
	case VCard:
		return encodeVCard(v), nil
	case File:
		if v.FileID == "" {
			return "", errors.New("file id required")
		}
		if fileURL == nil {
			return "", errors.New("file url resolver required")
		}
		return fileURL(v.FileID)
	}
	return "", fmt.Errorf("unsupported content %T", c)
}

// Decode recovers the structured fields of a payload produced by Encode.
func Decode(t domain.QrType, payload string) (Content, error) {
	switch t {
	case domain.TypeWebsite:
		return Website{URL: payload}, nil
	case domain.TypeWhatsApp:
		u, err := url.Parse(payload)
		if err != nil || !strings.HasSuffix(u.Host, "wa.me") {
			return nil, fmt.Errorf("invalid whatsapp payload")
		}
		return WhatsApp{
			Phone:   "+" + strings.Trim(u.Path, "/"),
			Message: u.Query().Get("text"),
		}, nil
	case domain.TypeSocial:
		return decodeSocial(payload)
	case domain.TypeAppLink:
		q, err := url.ParseQuery(payload)
		if err != nil {
			return nil, fmt.Errorf("invalid app link payload: %w", err)
		}
		return AppLink{IOSURL: q.Get("ios"), AndroidURL: q.Get("android"), FallbackURL: q.Get("fallback")}, nil
	case domain.TypeFeedback:
		q, err := url.ParseQuery(payload)
		if err != nil {
			return nil, fmt.Errorf("invalid feedback payload: %w", err)
		}
		return Feedback{Business: q.Get("business"), Question: q.Get("question"), Email: q.Get("email")}, nil
	case domain.TypeWiFi:
		return decodeWiFi(payload)
	case domain.TypeVCard:
		return decodeVCard(payload)
	case domain.TypePDF, domain.TypeImage, domain.TypeVideo:
		return decodeFile(t, payload)
	}
	return nil, fmt.Errorf("unsupported qr type %q", t)
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func decodeSocial(payload string) (Content, error) {
	for platform, base := range socialProfileBase {
		if strings.HasPrefix(payload, base) {
			user := strings.TrimPrefix(payload, base)
			if user == "" || strings.Contains(user, "/") {
				continue
			}
			return Social{Platform: platform, Username: user}, nil
		}
	}
	return nil, fmt.Errorf("invalid social payload")
}

// File payloads are storage URLs laid out as .../files/{fileId}/{name}.
func decodeFile(t domain.QrType, payload string) (Content, error) {
	u, err := url.Parse(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid file payload: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] != "files" {
			continue
		}
		f := File{Kind: t, FileID: parts[i+1]}
		if i+2 < len(parts) {
			f.Name = path.Join(parts[i+2:]...)
		}
		return f, nil
	}
	return nil, fmt.Errorf("file payload has no file id")
}

// WiFi payloads follow the de-facto "WIFI:T:WPA;S:ssid;P:pass;H:true;;" format.
func encodeWiFi(w WiFi) string {
	var b strings.Builder
	b.WriteString("WIFI:T:")
	b.WriteString(w.Encryption)
	b.WriteString(";S:")
	b.WriteString(escapeWiFi(w.SSID))
	b.WriteByte(';')
	if w.Encryption != "nopass" && w.Password != "" {
		b.WriteString("P:")
		b.WriteString(escapeWiFi(w.Password))
		b.WriteByte(';')
	}
	if w.Hidden {
		b.WriteString("H:true;")
	}
	b.WriteByte(';')
	return b.String()
}

func decodeWiFi(payload string) (Content, error) {
	if !strings.HasPrefix(payload, "WIFI:") {
		return nil, fmt.Errorf("invalid wifi payload")
	}
	w := WiFi{}
	for _, field := range splitEscaped(strings.TrimPrefix(payload, "WIFI:"), ';') {
		if field == "" {
			continue
		}
		key, value, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		value = unescapeBackslash(value)
		switch key {
		case "T":
			w.Encryption = value
		case "S":
			w.SSID = value
		case "P":
			w.Password = value
		case "H":
			w.Hidden = value == "true"
		}
	}
	if w.Encryption == "" {
		w.Encryption = "nopass"
	}
	return w, nil
}

func escapeWiFi(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\', ';', ',', ':', '"':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func encodeVCard(v VCard) string {
	lines := []string{"BEGIN:VCARD", "VERSION:3.0"}
	lines = append(lines,
		"N:"+escapeVCard(v.LastName)+";"+escapeVCard(v.FirstName)+";;;",
		"FN:"+escapeVCard(v.FullName()),
	)
	add := func(prefix, value string) {
		if value != "" {
			lines = append(lines, prefix+escapeVCard(value))
		}
	}
	add("ORG:", v.Organization)
	add("TITLE:", v.Title)
	add("TEL;TYPE=WORK,VOICE:", v.Phone)
	add("TEL;TYPE=CELL:", v.Mobile)
	add("EMAIL:", v.Email)
	add("URL:", v.Website)
	if v.Street != "" || v.City != "" || v.Zip != "" || v.Country != "" {
		lines = append(lines, "ADR;TYPE=WORK:;;"+escapeVCard(v.Street)+";"+escapeVCard(v.City)+";;"+
			escapeVCard(v.Zip)+";"+escapeVCard(v.Country))
	}
	add("NOTE:", v.Note)
	lines = append(lines, "END:VCARD")
	return strings.Join(lines, "\r\n")
}

func decodeVCard(payload string) (Content, error) {
	payload = strings.ReplaceAll(payload, "\r\n", "\n")
	if !strings.HasPrefix(payload, "BEGIN:VCARD") {
		return nil, fmt.Errorf("invalid vcard payload")
	}
	v := VCard{}
	for _, line := range strings.Split(payload, "\n") {
		head, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name, params, _ := strings.Cut(head, ";")
		switch strings.ToUpper(name) {
		case "N":
			parts := splitEscaped(value, ';')
			if len(parts) > 0 {
				v.LastName = unescapeVCard(parts[0])
			}
			if len(parts) > 1 {
				v.FirstName = unescapeVCard(parts[1])
			}
		case "ORG":
			v.Organization = unescapeVCard(value)
		case "TITLE":
			v.Title = unescapeVCard(value)
		case "TEL":
			if strings.Contains(strings.ToUpper(params), "CELL") {
				v.Mobile = unescapeVCard(value)
			} else {
				v.Phone = unescapeVCard(value)
			}
		case "EMAIL":
			v.Email = unescapeVCard(value)
		case "URL":
			v.Website = unescapeVCard(value)
		case "ADR":
			parts := splitEscaped(value, ';')
			get := func(i int) string {
				if i < len(parts) {
					return unescapeVCard(parts[i])
				}
				return ""
			}
			v.Street, v.City, v.Zip, v.Country = get(2), get(3), get(5), get(6)
		case "NOTE":
			v.Note = unescapeVCard(value)
		}
	}
	return v, nil
}

func escapeVCard(s string) string {
	r := strings.NewReplacer(`\`, `\\`, ",", `\,`, ";", `\;`, "\r\n", `\n`, "\n", `\n`)
	return r.Replace(s)
}

func unescapeVCard(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			if s[i] == 'n' || s[i] == 'N' {
				b.WriteByte('\n')
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func unescapeBackslash(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// splitEscaped splits on sep, ignoring separators preceded by a backslash. Escapes are kept.
func splitEscaped(s string, sep byte) []string {
	var (
		parts []string
		start int
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case sep:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}
