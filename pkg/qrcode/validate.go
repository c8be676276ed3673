package qrcode

import (
	"errors"
	"net"
	"net/url"
	"reflect"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"golang.org/x/net/publicsuffix"

	"getqr/pkg/domain"
)

// MaxDescriptionRunes bounds the optional description of a QR code.
const MaxDescriptionRunes = 280

var (
	handlePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,100}$`)
	phoneStrip    = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
	phonePattern  = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("weburl", func(fl validator.FieldLevel) bool {
		return ValidURL(fl.Field().String())
	})
	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		_, ok := NormalizePhone(fl.Field().String())
		return ok
	})
	_ = v.RegisterValidation("handle", func(fl validator.FieldLevel) bool {
		return handlePattern.MatchString(fl.Field().String())
	})
	v.RegisterStructValidation(wifiStructLevel, WiFi{})
	v.RegisterStructValidation(vcardStructLevel, VCard{})
	return v
}

func wifiStructLevel(sl validator.StructLevel) {
	w := sl.Current().Interface().(WiFi)
	if w.Encryption != "nopass" && utf8.RuneCountInString(w.Password) < 8 {
		sl.ReportError(w.Password, "password", "Password", "wifipassword", "")
	}
}

func vcardStructLevel(sl validator.StructLevel) {
	v := sl.Current().Interface().(VCard)
	if v.FirstName == "" && v.LastName == "" {
		sl.ReportError(v.FirstName, "firstName", "FirstName", "name", "")
	}
}

// Validate checks c field by field. The returned error is a *domain.Error of kind
// validation carrying one message per invalid field.
func Validate(c Content) error {
	if c == nil {
		return domain.FieldError("qrType", "is required")
	}
	c = Normalize(c)
	if f, ok := c.(File); ok && f.FileID == "" {
		return domain.FieldError("file", "file is required")
	}
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return domain.FieldError("content", err.Error())
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			if _, seen := fields[fe.Field()]; seen {
				continue
			}
			fields[fe.Field()] = fieldMessage(fe)
		}
		return domain.ValidationError(fields)
	}
	return nil
}

// ValidateDescription enforces the description length limit.
func ValidateDescription(desc string) error {
	if utf8.RuneCountInString(desc) > MaxDescriptionRunes {
		return domain.FieldError("description", "must be at most 280 characters")
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "weburl":
		return "must be a valid http(s) URL"
	case "phone":
		return "must be a valid phone number in international format"
	case "handle":
		return "must be a valid username"
	case "email":
		return "must be a valid email address"
	case "wifipassword":
		return "must be at least 8 characters"
	case "name":
		return "first or last name is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of: " + fe.Param()
	}
	return "is invalid"
}

// ValidURL accepts absolute http(s) URLs whose host is an IP address or has a registrable
// domain under a known public suffix.
func ValidURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.ContainsAny(raw, " \t\n") {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := u.Hostname()
	if host == "" {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	suffix, icann := publicsuffix.PublicSuffix(host)
	if !icann && !strings.Contains(suffix, ".") {
		return false
	}
	if _, err := publicsuffix.EffectiveTLDPlusOne(host); err != nil {
		return false
	}
	return true
}

// NormalizePhone strips formatting and returns the number in E.164 form.
func NormalizePhone(raw string) (string, bool) {
	p := phoneStrip.Replace(strings.TrimSpace(raw))
	if strings.HasPrefix(p, "00") {
		p = "+" + strings.TrimPrefix(p, "00")
	}
	if !phonePattern.MatchString(p) {
		return "", false
	}
	return p, true
}
