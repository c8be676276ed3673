package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"getqr/internal/util"
	"getqr/pkg/builder"
	"getqr/pkg/domain"
	"getqr/services/qr/internal/app"
)

type selectTypeRequest struct {
	QrType string `json:"qrType"`
}

type gotoRequest struct {
	Step    builder.Step    `json:"step"`
	Content json.RawMessage `json:"content,omitempty"`
}

type styleRequest struct {
	Styles       json.RawMessage `json:"styles"`
	FrameOptions json.RawMessage `json:"frameOptions"`
}

type titleRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// /builder/sessions
func (s *Server) handleBuilderStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	var req app.StartInput
	if err := decodeJSON(r, &req); err != nil {
		writeBadJSON(w, r)
		return
	}
	view, err := s.app.StartBuilder(r.Context(), s.actor(w, r), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, view)
}

// /builder/sessions/current
func (s *Server) handleBuilderCurrent(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(w, r)
	switch r.Method {
	case http.MethodGet:
		view, err := s.app.CurrentBuilder(r.Context(), actor)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeData(w, r, http.StatusOK, view)
	case http.MethodDelete:
		if err := s.app.DiscardBuilder(r.Context(), actor); err != nil {
			writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r)
	}
}

// /builder/sessions/current/{action}
func (s *Server) handleBuilderAction(w http.ResponseWriter, r *http.Request) {
	action := strings.TrimPrefix(r.URL.Path, "/builder/sessions/current/")
	if action == "upload" {
		s.handleUpload(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	actor := s.actor(w, r)
	ctx := r.Context()

	var (
		view app.BuilderView
		err  error
	)
	switch action {
	case "type":
		var req selectTypeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeBadJSON(w, r)
			return
		}
		t, ok := domain.ParseQrType(strings.TrimSpace(req.QrType))
		if !ok {
			writeAppError(w, r, domain.FieldError("qrType", "unknown qr type"))
			return
		}
		view, err = s.app.BuilderSelectType(ctx, actor, t)
	case "content", "continue":
		var req contentRequest
		if err := decodeJSON(r, &req); err != nil {
			writeBadJSON(w, r)
			return
		}
		if action == "content" {
			view, err = s.app.BuilderSetContent(ctx, actor, req.Content)
		} else {
			view, err = s.app.BuilderContinue(ctx, actor, req.Content)
		}
	case "back":
		view, err = s.app.BuilderBack(ctx, actor)
	case "goto":
		var req gotoRequest
		if err := decodeJSON(r, &req); err != nil {
			writeBadJSON(w, r)
			return
		}
		view, err = s.app.BuilderGoTo(ctx, actor, req.Step, req.Content)
	case "style":
		var req styleRequest
		if err := decodeJSON(r, &req); err != nil {
			writeBadJSON(w, r)
			return
		}
		view, err = s.app.BuilderStyle(ctx, actor, req.Styles, req.FrameOptions)
	case "title":
		var req titleRequest
		if err := decodeJSON(r, &req); err != nil {
			writeBadJSON(w, r)
			return
		}
		view, err = s.app.BuilderTitle(ctx, actor, req.Title, req.Description)
	case "save":
		item, err := s.app.SaveBuilder(ctx, actor)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeData(w, r, http.StatusCreated, item)
		return
	default:
		notFound(w, r)
		return
	}
	if err != nil {
		// a rejected transition still returns the session so the client keeps its input
		status, code, msg, details := classify(err)
		if view.StepName != "" && (status == http.StatusBadRequest || status == http.StatusConflict) {
			writeJSON(w, status, builderErrorEnvelope{
				envelope: envelope{Error: msg, Code: code, RequestID: util.RequestIDFromRequest(r), Details: details},
				Session:  &view,
			})
			return
		}
		writeAppError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, view)
}

type builderErrorEnvelope struct {
	envelope
	Session *app.BuilderView `json:"session,omitempty"`
}

// /builder/sessions/current/upload
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(w, r)
	switch r.Method {
	case http.MethodGet:
		upload, err := s.app.UploadStatus(r.Context(), actor)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeData(w, r, http.StatusOK, upload)
	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+(1<<20))
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeAppError(w, r, domain.FieldError("file", "file is too large"))
				return
			}
			writeAppError(w, r, domain.FieldError("file", "invalid form data"))
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeAppError(w, r, domain.FieldError("file", "file is required (field: file)"))
			return
		}
		defer file.Close()
		upload, err := s.app.UploadFile(r.Context(), actor, app.UploadInput{
			Field:    r.FormValue("field"),
			Filename: header.Filename,
			Size:     header.Size,
			Body:     file,
		})
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeData(w, r, http.StatusAccepted, upload)
	default:
		methodNotAllowed(w, r)
	}
}
