package transport

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/model"
)

const maxActionBody = 64 << 10

func (h *handlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rctx := model.RequestContextFrom(ctx)
	tableID := chi.URLParam(r, "tableId")

	ctx, span := observability.StartSpan(ctx, "session.create", observability.AttrTableID.String(tableID))
	s, err := h.sessions.Create(ctx, rctx, tableID)
	if err == nil {
		view := s.View()
		span.SetAttributes(observability.AttrSessionID.String(view.ID), observability.AttrMode.String(view.Mode))
		observability.AnnotateState(span, view.State)
	}
	observability.EndSpan(span, err)
	if err != nil {
		observability.RequestLogger(ctx, h.logger).Warn("table session not created",
			zap.String("table_id", tableID), zap.Error(err))
		respondError(w, r, err)
		return
	}
	w.Header().Set("Location", "/ui/sessions/"+s.ID())
	WriteJSON(w, http.StatusCreated, s.View())
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	s, err := h.sessions.Get(rctx, chi.URLParam(r, "sessionId"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, s.View())
}

func (h *handlers) applyAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rctx := model.RequestContextFrom(ctx)
	sessionID := chi.URLParam(r, "sessionId")

	var action model.SessionAction
	body, err := io.ReadAll(io.LimitReader(r.Body, maxActionBody))
	if err != nil || json.Unmarshal(body, &action) != nil {
		respondError(w, r, model.NewBadRequestError("request body must be a JSON action"))
		return
	}
	if action.Type == "" {
		respondError(w, r, model.NewValidationError([]model.FieldError{{Field: "type", Code: "REQUIRED", Message: "type is required"}}))
		return
	}

	logger := observability.RequestLogger(ctx, h.logger)
	if ce := logger.Check(zap.DebugLevel, "table action received"); ce != nil {
		ce.Write(zap.String("session_id", sessionID), observability.ActionField(action))
	}

	ctx, span := observability.StartSpan(ctx, "session.action",
		observability.AttrSessionID.String(sessionID),
		observability.AttrAction.String(action.Type),
	)
	view, err := h.sessions.Act(rctx, sessionID, action)
	if err == nil {
		observability.AnnotateState(span, view.State)
	}
	observability.EndSpan(span, err)
	if err != nil {
		logger.Warn("table action rejected",
			zap.String("session_id", sessionID),
			zap.String("action", action.Type),
			zap.Error(err))
		respondError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

func (h *handlers) closeSession(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if err := h.sessions.Close(rctx, chi.URLParam(r, "sessionId")); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
