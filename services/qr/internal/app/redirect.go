package app

import (
	"context"
	"strings"

	"getqr/internal/util"
	"getqr/pkg/cache"
	"getqr/pkg/domain"
	"getqr/pkg/events"
	"getqr/pkg/qrcode"
)

// Visit is one short link hit.
type Visit struct {
	Key       string
	UserAgent string
	Referer   string
	IP        string
}

// ResolveShortLink returns where a short link visit should land and records the click.
// Archived and unknown links are not found.
func (a *App) ResolveShortLink(ctx context.Context, v Visit) (string, error) {
	key := strings.TrimSpace(v.Key)
	if key == "" {
		return "", domain.NotFoundError("link")
	}
	link, ok, err := a.links.Get(ctx, a.shortDomain, key, func(context.Context) (cache.CachedLink, bool, error) {
		return a.loadCachedLink(key)
	})
	if err != nil {
		return "", err
	}
	if !ok || link.Archived {
		return "", domain.NotFoundError("link")
	}
	target := link.URL
	if link.QrType == domain.TypeAppLink {
		target = appLinkTarget(link, v.UserAgent)
	}
	a.recordClick(ctx, link, v)
	return target, nil
}

func (a *App) loadCachedLink(key string) (cache.CachedLink, bool, error) {
	l, ok, err := a.store.GetLinkByKey(a.shortDomain, key)
	if err != nil || !ok {
		return cache.CachedLink{}, false, err
	}
	qr, ok, err := a.store.GetQRByLinkID(l.ID)
	if err != nil || !ok {
		return cache.CachedLink{}, false, err
	}
	return cache.CachedLink{
		LinkID:   l.ID,
		QrID:     qr.ID,
		QrType:   qr.QrType,
		URL:      l.URL,
		Data:     qr.Data,
		Archived: l.Archived || qr.Archived,
	}, true, nil
}

// appLinkTarget picks the store URL for the visitor's platform.
func appLinkTarget(link cache.CachedLink, userAgent string) string {
	c, err := qrcode.Decode(domain.TypeAppLink, link.Data)
	if err != nil {
		return link.URL
	}
	app := c.(qrcode.AppLink)
	ua := strings.ToLower(userAgent)
	switch {
	case app.IOSURL != "" && (strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad") || strings.Contains(ua, "ipod")):
		return app.IOSURL
	case app.AndroidURL != "" && strings.Contains(ua, "android"):
		return app.AndroidURL
	case app.FallbackURL != "":
		return app.FallbackURL
	}
	return link.URL
}

func (a *App) recordClick(ctx context.Context, link cache.CachedLink, v Visit) {
	now := a.now().UTC()
	if err := a.store.RecordClick(link.LinkID, now); err != nil {
		util.LoggerFromContext(ctx).Warn("record click failed", "link_id", link.LinkID, "err", err)
	}
	a.publish(ctx, events.Event{
		Type:       events.LinkClicked,
		QrID:       link.QrID,
		LinkID:     link.LinkID,
		OccurredAt: now,
		Attrs: map[string]string{
			"userAgent": v.UserAgent,
			"referer":   v.Referer,
		},
	})
}

// PreviewField is one labelled line of the hosted preview page.
type PreviewField struct {
	Label string
	Value string
	Href  string
}

// Preview is the hosted page for content that cannot be redirected to.
type Preview struct {
	QrID    string
	QrType  domain.QrType
	Title   string
	Summary string
	Fields  []PreviewField
	Colors  qrcode.Customization
}

// GetPreview renders the preview page data for an inline QR type.
func (a *App) GetPreview(ctx context.Context, qrID string) (Preview, error) {
	qr, err := a.load(qrID)
	if err != nil {
		return Preview{}, err
	}
	if qr.Archived || !qrcode.Inline(qr.QrType) {
		return Preview{}, domain.NotFoundError("qr")
	}
	c, err := qrcode.ParseContent(qr.QrType, qr.Content)
	if err != nil || len(qr.Content) == 0 {
		if c, err = qrcode.Decode(qr.QrType, qr.Data); err != nil {
			return Preview{}, err
		}
	}
	p := Preview{
		QrID:    qr.ID,
		QrType:  qr.QrType,
		Title:   qr.Title,
		Summary: qrcode.Summary(qr.QrType, qr.Data),
		Colors:  qrcode.ExtractCustomization(qr.Styles, qr.FrameOptions),
	}
	switch v := c.(type) {
	case qrcode.WiFi:
		p.Fields = appendField(p.Fields, "Network", v.SSID, "")
		p.Fields = appendField(p.Fields, "Password", v.Password, "")
		p.Fields = appendField(p.Fields, "Security", v.Encryption, "")
	case qrcode.VCard:
		p.Fields = appendField(p.Fields, "Name", v.FullName(), "")
		p.Fields = appendField(p.Fields, "Organization", v.Organization, "")
		p.Fields = appendField(p.Fields, "Title", v.Title, "")
		p.Fields = appendField(p.Fields, "Phone", v.Phone, "tel:"+v.Phone)
		p.Fields = appendField(p.Fields, "Mobile", v.Mobile, "tel:"+v.Mobile)
		p.Fields = appendField(p.Fields, "Email", v.Email, "mailto:"+v.Email)
		p.Fields = appendField(p.Fields, "Website", v.Website, v.Website)
		p.Fields = appendField(p.Fields, "Address", joinNonEmpty(", ", v.Street, v.City, v.Zip, v.Country), "")
		p.Fields = appendField(p.Fields, "Note", v.Note, "")
	case qrcode.Feedback:
		p.Fields = appendField(p.Fields, "Business", v.Business, "")
		p.Fields = appendField(p.Fields, "Question", v.Question, "")
		p.Fields = appendField(p.Fields, "Reply", v.Email, "mailto:"+v.Email)
	}
	return p, nil
}

func appendField(fields []PreviewField, label, value, href string) []PreviewField {
	if strings.TrimSpace(value) == "" {
		return fields
	}
	return append(fields, PreviewField{Label: label, Value: value, Href: href})
}

func joinNonEmpty(sep string, parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}
