package server

import (
	"bytes"
	"html/template"
	"net/http"
	"strings"
	"time"

	"getqr/internal/util"
	"getqr/pkg/analytics"
	"getqr/pkg/domain"
	"getqr/services/qr/internal/app"
)

var previewTemplate = template.Must(template.New("preview").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{if .Title}}{{.Title}}{{else}}{{.Summary}}{{end}}</title>
<style>
body{margin:0;font-family:system-ui,sans-serif;background:{{.Colors.BackgroundColor}};color:{{.Colors.DotsColor}}}
main{max-width:28rem;margin:3rem auto;padding:1.5rem}
dt{font-size:.8rem;opacity:.7;margin-top:1rem}
dd{margin:0;font-size:1.1rem;word-break:break-word}
a{color:{{.Colors.CornersColor}}}
</style>
</head>
<body>
<main>
<h1>{{if .Title}}{{.Title}}{{else}}{{.Summary}}{{end}}</h1>
<dl>
{{range .Fields}}<dt>{{.Label}}</dt><dd>{{if .Href}}<a href="{{.Href}}">{{.Value}}</a>{{else}}{{.Value}}{{end}}</dd>
{{end}}</dl>
</main>
</body>
</html>
`))

// handleShortLink serves GET /{key}.
func (s *Server) handleShortLink(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/")
	if key == "" || strings.Contains(key, "/") {
		notFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r)
		return
	}
	target, err := s.app.ResolveShortLink(r.Context(), app.Visit{
		Key:       key,
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
		IP:        s.clientIP(r),
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, target, http.StatusFound)
}

// handlePreview serves the hosted page for inline payloads at GET /v/{qrId}.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	p, err := s.app.GetPreview(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := previewTemplate.Execute(&buf, p); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	util.UsePageCSP(w)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	in, err := statsInput(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	rows, err := s.app.Stats(r.Context(), s.actor(w, r), in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, rows)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	format, err := analytics.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeAppError(w, r, domain.FieldError("format", "must be csv or xlsx"))
		return
	}
	in, err := statsInput(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	sections, err := s.app.Export(r.Context(), s.actor(w, r), in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := analytics.Write(&buf, format, sections); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="getqr-analytics.`+string(format)+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func statsInput(r *http.Request) (app.StatsInput, error) {
	v := r.URL.Query()
	in := app.StatsInput{
		QrID:     strings.TrimSpace(v.Get("qrId")),
		GroupBy:  v.Get("groupBy"),
		Interval: v.Get("interval"),
		Timezone: v.Get("timezone"),
	}
	var err error
	if in.Start, err = parseTime("start", v.Get("start")); err != nil {
		return in, err
	}
	if in.End, err = parseTime("end", v.Get("end")); err != nil {
		return in, err
	}
	return in, nil
}

// parseTime accepts RFC 3339 timestamps or plain dates.
func parseTime(field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	return time.Time{}, domain.FieldError(field, "must be an RFC 3339 timestamp or YYYY-MM-DD date")
}
