package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tallyhub/tallyhub/internal/application/coordinator"
	"github.com/tallyhub/tallyhub/internal/domain/conflict"
	"github.com/tallyhub/tallyhub/internal/domain/lease"
	"github.com/tallyhub/tallyhub/internal/domain/presence"
	"github.com/tallyhub/tallyhub/internal/domain/session"
	"github.com/tallyhub/tallyhub/internal/infrastructure/sse"
)

type createSessionRequest struct {
	BusinessID  string                  `json:"business_id"`
	Name        string                  `json:"name"`
	Description string                  `json:"description,omitempty"`
	Zones       []coordinator.ZoneInput `json:"zones"`
	Settings    session.Settings        `json:"settings"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	businessID, err := uuid.Parse(req.BusinessID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid business_id")
		return
	}
	sess, err := s.coord.CreateSession(r.Context(), coordinator.CreateSessionInput{
		BusinessID:  businessID,
		Name:        req.Name,
		Description: req.Description,
		Zones:       req.Zones,
		Settings:    req.Settings,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.coord.ListSessions(r.Context())
	respondJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	sess, err := s.coord.GetSession(r.Context(), sessionID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) joinSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	id := identityFromContext(r.Context())
	sess, err := s.coord.Join(r.Context(), sessionID, id.UserID, id.Role)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) leaveSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	id := identityFromContext(r.Context())
	if err := s.coord.Leave(r.Context(), sessionID, id.UserID); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"session_id": sessionID, "left": true})
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.coord.Start, session.StatusActive)
}

func (s *Server) pauseSession(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.coord.Pause, session.StatusPaused)
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.coord.Resume, session.StatusActive)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, sessionID uuid.UUID, actorID string) error, target session.Status) {
	sessionID, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	id := identityFromContext(r.Context())
	if err := fn(r.Context(), sessionID, id.UserID); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"session_id": sessionID, "status": target})
}

type cancelSessionRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	var req cancelSessionRequest
	if err := decodeBody(r, &req); err != nil && err != io.EOF {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	id := identityFromContext(r.Context())
	if err := s.coord.Cancel(r.Context(), sessionID, id.UserID, req.Reason); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"session_id": sessionID, "status": session.StatusCancelled})
}

type claimItemRequest struct {
	Kind         string `json:"kind,omitempty"`
	LeaseSeconds int    `json:"lease_seconds,omitempty"`
}

func (s *Server) claimItem(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	itemID := chi.URLParam(r, "itemId")
	var req claimItemRequest
	if err := decodeBody(r, &req); err != nil && err != io.EOF {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	id := identityFromContext(r.Context())
	result, err := s.coord.ClaimItem(r.Context(), sessionID, itemID, id.UserID, lease.Kind(req.Kind), parseDurationSeconds(req.LeaseSeconds))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	status := http.StatusOK
	if !result.Granted {
		status = http.StatusConflict
	}
	respondJSON(w, status, result)
}

func (s *Server) releaseItem(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	itemID := chi.URLParam(r, "itemId")
	id := identityFromContext(r.Context())
	if err := s.coord.ReleaseItem(r.Context(), sessionID, itemID, id.UserID); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"item_id": itemID, "released": true})
}

type submitCountRequest struct {
	ItemID   string  `json:"item_id"`
	Quantity float64 `json:"quantity"`
	Notes    string  `json:"notes,omitempty"`
	PhotoRef string  `json:"photo_ref,omitempty"`
}

func (s *Server) submitCount(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	var req submitCountRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	id := identityFromContext(r.Context())
	result, err := s.coord.SubmitCount(r.Context(), coordinator.SubmitCountInput{
		SessionID: sessionID,
		ItemID:    req.ItemID,
		UserID:    id.UserID,
		Quantity:  req.Quantity,
		Notes:     req.Notes,
		PhotoRef:  req.PhotoRef,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) listCounts(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	limit, offset := parseLimitOffset(r, 100, 500)
	counts, err := s.coord.ListCounts(r.Context(), sessionID, limit, offset)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"counts":     counts,
	})
}

func (s *Server) listConflicts(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	conflicts, err := s.coord.ListConflicts(r.Context(), sessionID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"conflicts":  conflicts,
	})
}

type resolveConflictRequest struct {
	Method     string   `json:"method"`
	FinalValue *float64 `json:"final_value,omitempty"`
}

func (s *Server) resolveConflict(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	conflictID, err := parseUUIDParam(r, "conflictId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid conflictId")
		return
	}
	var req resolveConflictRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	id := identityFromContext(r.Context())
	rec, err := s.coord.ResolveConflict(r.Context(), coordinator.ResolveConflictInput{
		SessionID:  sessionID,
		ConflictID: conflictID,
		Method:     conflict.Method(req.Method),
		ResolverID: id.UserID,
		FinalValue: req.FinalValue,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

type setPresenceRequest struct {
	Status         string `json:"status"`
	CurrentZoneID  string `json:"current_zone_id,omitempty"`
	CurrentItemID  string `json:"current_item_id,omitempty"`
	DeviceClass    string `json:"device_class,omitempty"`
	NetworkQuality string `json:"network_quality,omitempty"`
}

func (s *Server) setPresence(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	var req setPresenceRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	switch presence.Status(req.Status) {
	case presence.StatusActive, presence.StatusIdle, presence.StatusCounting, presence.StatusOffline:
	default:
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "status must be active, idle, counting or offline")
		return
	}
	id := identityFromContext(r.Context())
	err = s.coord.SetPresence(r.Context(), sessionID, id.UserID, presence.Status(req.Status), presence.Meta{
		CurrentZoneID:  req.CurrentZoneID,
		CurrentItemID:  req.CurrentItemID,
		DeviceClass:    req.DeviceClass,
		NetworkQuality: req.NetworkQuality,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"session_id": sessionID, "status": req.Status})
}

func (s *Server) getPresence(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	records, err := s.coord.GetPresence(r.Context(), sessionID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"presence":   records,
	})
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	metrics, err := s.coord.GetSessionMetrics(r.Context(), sessionID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, metrics)
}

// streamEvents subscribes the caller to the session's SSE event stream.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	if _, err := s.coord.GetSession(r.Context(), sessionID); err != nil {
		respondDomainError(w, err)
		return
	}
	id := identityFromContext(r.Context())

	client := sse.NewClient(uuid.NewString(), sessionID, id.UserID)
	s.sseHub.Register(client)
	defer s.sseHub.Unregister(client.ClientID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}
	// Send an initial comment to flush headers and keep the connection alive.
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg := <-client.Messages:
			if msg == nil {
				return
			}
			payload, _ := json.Marshal(msg)
			_, _ = w.Write([]byte("event: "))
			_, _ = w.Write([]byte(msg.Event))
			_, _ = w.Write([]byte("\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
