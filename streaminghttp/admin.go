package streaminghttp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/mcp-gateway/approvals"
	"github.com/ggoodman/mcp-gateway/audit"
	"github.com/ggoodman/mcp-gateway/sessions"
)

// createSessionResponse is the body of a successful POST /sessions.
type createSessionResponse struct {
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (h *StreamingHTTPHandler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.checkAdmin(ctx, w, r) {
		return
	}

	var params sessions.CreateParams
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&params); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	sess, err := h.store.Create(ctx, params)
	if err != nil {
		if errors.Is(err, sessions.ErrInvalidParams) {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to create session")
		h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		return
	}
	h.audit.Log(ctx, audit.Event{
		Operation:      audit.OpSessionCreate,
		SessionID:      sess.ID,
		UserID:         sess.Caller.UserID,
		ConversationID: sess.ConversationID,
		Success:        true,
	})
	h.log.InfoContext(ctx, "session.create.ok", slog.String("session_id", sess.ID))
	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: sess.ID, ExpiresAt: sess.ExpiresAt})
}

func (h *StreamingHTTPHandler) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.checkAdmin(ctx, w, r) {
		return
	}
	stats, err := h.store.Stats(ctx)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to read session stats")
		h.log.ErrorContext(ctx, "session.stats.fail", slog.String("err", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleGetSession returns the session with its access token withheld.
func (h *StreamingHTTPHandler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.checkAdmin(ctx, w, r) {
		return
	}
	sess, err := h.store.Get(ctx, r.PathValue("id"))
	if err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	view := *sess
	view.Caller.AccessToken = ""
	writeJSON(w, http.StatusOK, view)
}

func (h *StreamingHTTPHandler) handleExtendSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.checkAdmin(ctx, w, r) {
		return
	}
	id := r.PathValue("id")
	ok, err := h.store.Extend(ctx, id)
	if err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	if !ok {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	h.audit.Log(ctx, audit.Event{Operation: audit.OpSessionExtend, SessionID: id, Success: true})
	w.WriteHeader(http.StatusNoContent)
}

func (h *StreamingHTTPHandler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.checkAdmin(ctx, w, r) {
		return
	}
	if !h.deleteSession(ctx, w, r.PathValue("id")) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *StreamingHTTPHandler) writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, sessions.ErrSessionNotFound) {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSONError(w, http.StatusInternalServerError, "session store failure")
	h.log.ErrorContext(r.Context(), "session.store.fail", slog.String("err", err.Error()))
}

func (h *StreamingHTTPHandler) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.checkAdmin(ctx, w, r) {
		return
	}
	a, err := h.approvals.Get(ctx, r.PathValue("id"))
	if err != nil {
		h.writeApprovalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *StreamingHTTPHandler) handleDecideApproval(approve bool) http.HandlerFunc {
	op := audit.OpApprovalDeny
	if approve {
		op = audit.OpApprovalApprove
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if !h.checkAdmin(ctx, w, r) {
			return
		}
		id := r.PathValue("id")
		a, err := h.approvals.Decide(ctx, id, approve)
		if err != nil {
			h.audit.Log(ctx, audit.Event{Operation: op, ApprovalID: id, Error: err.Error()})
			h.writeApprovalError(w, r, err)
			return
		}
		h.audit.Log(ctx, audit.Event{
			Operation:      op,
			ApprovalID:     a.ID,
			SessionID:      a.SessionID,
			ConversationID: a.ConversationID,
			Tool:           a.Tool,
			Outcome:        string(a.Status),
			Success:        true,
		})
		h.log.InfoContext(ctx, "approval.decide.ok", slog.String("approval_id", a.ID), slog.String("status", string(a.Status)))
		writeJSON(w, http.StatusOK, a)
	}
}

func (h *StreamingHTTPHandler) writeApprovalError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, approvals.ErrApprovalNotFound):
		writeJSONError(w, http.StatusNotFound, "approval not found")
	case errors.Is(err, approvals.ErrNotPending):
		writeJSONError(w, http.StatusConflict, "approval already decided")
	default:
		writeJSONError(w, http.StatusInternalServerError, "approval store failure")
		h.log.ErrorContext(r.Context(), "approval.store.fail", slog.String("err", err.Error()))
	}
}
