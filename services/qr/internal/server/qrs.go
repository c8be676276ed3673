package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"getqr/pkg/domain"
	"getqr/services/qr/internal/app"
)

type archiveRequest struct {
	Archived *bool `json:"archived"`
}

type contentRequest struct {
	Content json.RawMessage `json:"content"`
}

type createResponse struct {
	CreatedQr   app.QrItem         `json:"createdQr"`
	CreatedLink *domain.LinkRecord `json:"createdLink"`
}

type newQRResponse struct {
	QrID string `json:"qrId,omitempty"`
	Show bool   `json:"show"`
}

// /qrs
func (s *Server) handleQRs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var draft domain.QrDraft
		if err := decodeJSON(r, &draft); err != nil {
			writeBadJSON(w, r)
			return
		}
		item, err := s.app.CreateQR(r.Context(), s.actor(w, r), draft)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeData(w, r, http.StatusCreated, createResponse{CreatedQr: item, CreatedLink: item.Link})
	case http.MethodGet:
		q, err := listQuery(r)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		page, err := s.app.ListQRs(r.Context(), s.actor(w, r), q)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeData(w, r, http.StatusOK, page)
	default:
		methodNotAllowed(w, r)
	}
}

func listQuery(r *http.Request) (domain.ListQuery, error) {
	v := r.URL.Query()
	q := domain.ListQuery{
		SortBy:    v.Get("sortBy"),
		SortOrder: v.Get("sortOrder"),
		Search:    strings.TrimSpace(v.Get("search")),
		UserID:    v.Get("userId"),
	}
	for name, dst := range map[string]*int{"page": &q.Page, "pageSize": &q.PageSize} {
		raw := v.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, domain.FieldError(name, "must be a positive integer")
		}
		*dst = n
	}
	switch v.Get("archived") {
	case "", "exclude":
	case "include":
		q.IncludeArchived = true
	case "only":
		q.OnlyArchived = true
	default:
		return q, domain.FieldError("archived", "must be exclude, include or only")
	}
	return q, nil
}

// /qrs/{id}, /qrs/{id}/{action} and /qrs/new
func (s *Server) handleQRByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/qrs/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, r)
		return
	}
	if id == "new" && len(parts) == 1 {
		s.handleNewQR(w, r)
		return
	}
	if len(parts) == 2 {
		s.handleQRAction(w, r, id, parts[1])
		return
	}

	actor := s.actor(w, r)
	switch r.Method {
	case http.MethodGet:
		item, err := s.app.GetQR(r.Context(), actor, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeData(w, r, http.StatusOK, item)
	case http.MethodPatch:
		var req app.UpdateInput
		if err := decodeJSON(r, &req); err != nil {
			writeBadJSON(w, r)
			return
		}
		item, err := s.app.UpdateQR(r.Context(), actor, id, req)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeData(w, r, http.StatusOK, item)
	case http.MethodPut:
		// archive toggle; an empty body archives
		var req archiveRequest
		if err := decodeJSON(r, &req); err != nil {
			writeBadJSON(w, r)
			return
		}
		archived := true
		if req.Archived != nil {
			archived = *req.Archived
		}
		item, err := s.app.ArchiveQR(r.Context(), actor, id, archived)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeData(w, r, http.StatusOK, item)
	case http.MethodDelete:
		if err := s.app.DeleteQR(r.Context(), actor, id); err != nil {
			writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r)
	}
}

func (s *Server) handleQRAction(w http.ResponseWriter, r *http.Request, id, action string) {
	actor := s.actor(w, r)
	var (
		item   app.QrItem
		err    error
		status = http.StatusOK
	)
	switch {
	case action == "duplicate" && r.Method == http.MethodPost:
		item, err = s.app.DuplicateQR(r.Context(), actor, id)
		status = http.StatusCreated
	case action == "analytics" && r.Method == http.MethodDelete:
		item, err = s.app.ClearAnalytics(r.Context(), actor, id)
	case action == "content" && r.Method == http.MethodPatch:
		var req contentRequest
		if err := decodeJSON(r, &req); err != nil {
			writeBadJSON(w, r)
			return
		}
		item, err = s.app.UpdateContent(r.Context(), actor, id, req.Content)
	case action == "duplicate" || action == "analytics" || action == "content":
		methodNotAllowed(w, r)
		return
	default:
		notFound(w, r)
		return
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, r, status, item)
}

// handleNewQR returns the QR code saved from a draft during login, once. The modal
// cookie keeps a reload from showing it again.
func (s *Server) handleNewQR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	qrID, ok, err := s.app.ConsumeNewQR(r.Context(), s.actor(w, r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if !ok {
		writeData(w, r, http.StatusOK, newQRResponse{})
		return
	}
	if c, err := r.Cookie(newQRCookie); err == nil && c.Value == qrID {
		writeData(w, r, http.StatusOK, newQRResponse{QrID: qrID})
		return
	}
	s.setCookie(w, newQRCookie, qrID, s.sidTTL)
	writeData(w, r, http.StatusOK, newQRResponse{QrID: qrID, Show: true})
}
