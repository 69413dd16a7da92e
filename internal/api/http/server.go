package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/tallyhub/tallyhub/internal/application/coordinator"
	"github.com/tallyhub/tallyhub/internal/domain/conflict"
	"github.com/tallyhub/tallyhub/internal/domain/session"
	"github.com/tallyhub/tallyhub/internal/infrastructure/sse"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	coord  *coordinator.Service
	sseHub *sse.Hub
}

func NewServer(coord *coordinator.Service, sseHub *sse.Hub) *Server {
	return &Server{coord: coord, sseHub: sseHub}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(requireUser)

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", s.createSession)
				r.Get("/", s.listSessions)
				r.Get("/{sessionId}", s.getSession)
				r.Post("/{sessionId}/join", s.joinSession)
				r.Post("/{sessionId}/leave", s.leaveSession)
				r.Post("/{sessionId}/start", s.startSession)
				r.Post("/{sessionId}/pause", s.pauseSession)
				r.Post("/{sessionId}/resume", s.resumeSession)
				r.Post("/{sessionId}/cancel", s.cancelSession)

				r.Post("/{sessionId}/items/{itemId}/claim", s.claimItem)
				r.Post("/{sessionId}/items/{itemId}/release", s.releaseItem)
				r.Post("/{sessionId}/counts", s.submitCount)
				r.Get("/{sessionId}/counts", s.listCounts)

				r.Get("/{sessionId}/conflicts", s.listConflicts)
				r.Post("/{sessionId}/conflicts/{conflictId}/resolve", s.resolveConflict)

				r.Put("/{sessionId}/presence", s.setPresence)
				r.Get("/{sessionId}/presence", s.getPresence)
				r.Get("/{sessionId}/metrics", s.getMetrics)
				r.Get("/{sessionId}/events", s.streamEvents)
			})
		})
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// respondDomainError maps coordination errors onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "SESSION_NOT_FOUND", err.Error())
	case errors.Is(err, conflict.ErrNotFound):
		respondError(w, http.StatusNotFound, "CONFLICT_NOT_FOUND", err.Error())
	case errors.Is(err, session.ErrSessionClosed):
		respondError(w, http.StatusConflict, "SESSION_CLOSED", err.Error())
	case errors.Is(err, session.ErrSessionNotActive):
		respondError(w, http.StatusConflict, "SESSION_NOT_ACTIVE", err.Error())
	case errors.Is(err, session.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, conflict.ErrAlreadyResolved):
		respondError(w, http.StatusConflict, "CONFLICT_ALREADY_RESOLVED", err.Error())
	case errors.Is(err, session.ErrNotParticipant):
		respondError(w, http.StatusForbidden, "NOT_PARTICIPANT", err.Error())
	case errors.Is(err, session.ErrItemNotInSession):
		respondError(w, http.StatusBadRequest, "ITEM_NOT_IN_SESSION", err.Error())
	case errors.Is(err, session.ErrZoneOverlap):
		respondError(w, http.StatusBadRequest, "ZONE_OVERLAP", err.Error())
	default:
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
	}
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	val := chi.URLParam(r, key)
	return uuid.Parse(val)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func parseDurationSeconds(seconds int) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
