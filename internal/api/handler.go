// Package api exposes the session create/join/info HTTP surface.
//
// It is a thin collaborator around the registry and the credential gate:
// request formatting and token plumbing live here, every real invariant
// lives in the session package.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"huddle/internal/session"
	"huddle/internal/token"
)

const maxBodyBytes = 4 << 10

// Handler wires the session endpoints to the registry and token issuer.
type Handler struct {
	log      *slog.Logger
	reg      *session.Registry
	tokens   *token.Issuer
	validate *validator.Validate
}

// NewHandler constructs an api Handler.
func NewHandler(log *slog.Logger, reg *session.Registry, tokens *token.Issuer) *Handler {
	if log == nil {
		log = slog.Default()
	}

	v := validator.New()
	// Display names: the registry re-checks this authoritatively; failing
	// fast here keeps error bodies uniform with the rest of the request
	// validation.
	_ = v.RegisterValidation("displayname", func(fl validator.FieldLevel) bool {
		for _, c := range fl.Field().String() {
			switch {
			case c >= 'a' && c <= 'z':
			case c >= 'A' && c <= 'Z':
			case c >= '0' && c <= '9':
			case c == ' ' || c == '_' || c == '-':
			default:
				return false
			}
		}
		return true
	})

	return &Handler{log: log, reg: reg, tokens: tokens, validate: v}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions", h.handleCreate)
	mux.HandleFunc("POST /api/sessions/join", h.handleJoin)
	mux.HandleFunc("GET /api/sessions/{code}", h.handleInfo)
}

type createRequest struct {
	HostName string `json:"hostName" validate:"required,min=1,max=30,displayname"`
}

type createResponse struct {
	SessionCode string `json:"sessionCode"`
	Token       string `json:"token"`
	UserID      string `json:"userId"`
	IsHost      bool   `json:"isHost"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_name", "hostName must be 1-30 characters from [A-Za-z0-9 _-]")
		return
	}

	now := time.Now().UTC()
	s, host, err := h.reg.Create(req.HostName, now)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	tok, err := h.tokens.Issue(host.UserID, host.Username, s.Code, true, now)
	if err != nil {
		// The session exists but its host credential failed to mint; drop it
		// rather than leaving an unreachable room behind.
		h.reg.Delete(s.Code, "token_failure")
		h.log.Error("api.create.token", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not issue credential")
		return
	}

	writeJSON(w, http.StatusCreated, createResponse{
		SessionCode: s.Code,
		Token:       tok,
		UserID:      host.UserID,
		IsHost:      true,
	})
}

type joinRequest struct {
	SessionCode string `json:"sessionCode" validate:"required,len=6"`
	Username    string `json:"username" validate:"required,min=1,max=30,displayname"`
}

type joinResponse struct {
	SessionCode string `json:"sessionCode"`
	Token       string `json:"token"`
	UserID      string `json:"userId"`
	IsHost      bool   `json:"isHost"`
	HostName    string `json:"hostName"`
	Status      string `json:"status"`
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "sessionCode must be 6 characters; username must be 1-30 characters from [A-Za-z0-9 _-]")
		return
	}

	now := time.Now().UTC()
	s, id, err := h.reg.Join(req.SessionCode, req.Username)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	tok, err := h.tokens.Issue(id.UserID, id.Username, s.Code, false, now)
	if err != nil {
		h.log.Error("api.join.token", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not issue credential")
		return
	}

	writeJSON(w, http.StatusOK, joinResponse{
		SessionCode: s.Code,
		Token:       tok,
		UserID:      id.UserID,
		IsHost:      false,
		HostName:    s.HostName,
		Status:      string(s.Status()),
	})
}

type memberView struct {
	Username string    `json:"username"`
	IsHost   bool      `json:"isHost"`
	JoinedAt time.Time `json:"joinedAt"`
}

type infoResponse struct {
	Code        string       `json:"code"`
	HostName    string       `json:"hostName"`
	Status      string       `json:"status"`
	MemberCount int          `json:"memberCount"`
	Members     []memberView `json:"members"`
	CreatedAt   time.Time    `json:"createdAt"`
}

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	claims, err := h.tokens.Verify(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "auth", "invalid or expired token")
		return
	}

	code := r.PathValue("code")
	if code != claims.SessionCode {
		writeError(w, http.StatusForbidden, "forbidden", "token is not bound to this session")
		return
	}

	s, ok := h.reg.Lookup(code)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}

	members := s.Members()
	views := make([]memberView, 0, len(members))
	for _, m := range members {
		views = append(views, memberView{Username: m.Username, IsHost: m.IsHost, JoinedAt: m.JoinedAt})
	}

	writeJSON(w, http.StatusOK, infoResponse{
		Code:        s.Code,
		HostName:    s.HostName,
		Status:      string(s.Status()),
		MemberCount: len(members),
		Members:     views,
		CreatedAt:   s.CreatedAt,
	})
}

func (h *Handler) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "invalid_name", err.Error())
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, session.ErrEnded):
		writeError(w, http.StatusGone, "ended", err.Error())
	case errors.Is(err, session.ErrFull):
		writeError(w, http.StatusConflict, "full", err.Error())
	case errors.Is(err, session.ErrCodeExhausted):
		writeError(w, http.StatusInternalServerError, "code_exhausted", err.Error())
	default:
		h.log.Error("api.session.error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if tok, ok := cutBearer(h); ok {
		return tok
	}
	return r.URL.Query().Get("token")
}

func cutBearer(h string) (string, bool) {
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):], true
	}
	return "", false
}
