package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rollsync/rollsync/internal/auth"
	"github.com/rollsync/rollsync/internal/engine"
	"github.com/rollsync/rollsync/internal/hub"
	"github.com/rollsync/rollsync/internal/models"
	"github.com/rollsync/rollsync/internal/reconcile"
)

type Server struct {
	engine     *engine.Engine
	reconciler *reconcile.Reconciler
	hub        *hub.Hub
}

func NewServer(eng *engine.Engine, reconciler *reconcile.Reconciler, h *hub.Hub) *Server {
	return &Server{engine: eng, reconciler: reconciler, hub: h}
}

// Routes mounts the sync API on the given (already authenticated) router.
func (s *Server) Routes(r chi.Router) {
	r.Post("/events", s.submitEvent)
	r.Post("/batches", s.submitBatch)
	r.Post("/classes/{classID}/catchup", s.catchUp)
	r.Get("/ws", s.serveWS)
}

type submitEventResponse struct {
	EventID uuid.UUID `json:"event_id"`
	Applied bool      `json:"applied"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) submitEvent(w http.ResponseWriter, r *http.Request) {
	var event models.AttendanceEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing credentials"})
		return
	}
	if event.SourceDeviceID == "" {
		event.SourceDeviceID = claims.DeviceID
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	result, err := s.engine.ApplyEvent(r.Context(), &event)
	if err != nil {
		if verr, ok := engine.AsValidationError(err); ok {
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: verr.Message, Code: verr.Code})
			return
		}
		log.Printf("submit event failed: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "temporarily unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, submitEventResponse{EventID: event.ID, Applied: result.Applied})
}

type submitBatchResponse struct {
	BatchID uuid.UUID         `json:"batch_id"`
	Acks    []models.EventAck `json:"acks"`
	Error   string            `json:"error,omitempty"`
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var batch models.OfflineBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing credentials"})
		return
	}

	// The authenticated device, not the request body, owns the batch.
	acks, err := s.reconciler.SubmitBatch(r.Context(), claims.DeviceID, batch.Events)
	if err != nil {
		// Partial acks go back so the client only resubmits the tail.
		log.Printf("batch %s interrupted after %d acks: %v", batch.BatchID, len(acks), err)
		writeJSON(w, http.StatusServiceUnavailable, submitBatchResponse{
			BatchID: batch.BatchID,
			Acks:    acks,
			Error:   "temporarily unavailable",
		})
		return
	}

	writeJSON(w, http.StatusOK, submitBatchResponse{BatchID: batch.BatchID, Acks: acks})
}

func (s *Server) catchUp(w http.ResponseWriter, r *http.Request) {
	var req models.CatchUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}
	req.ClassID = chi.URLParam(r, "classID")

	resp, err := s.reconciler.CatchUp(r.Context(), req)
	if err != nil {
		if err == reconcile.ErrMissingClassID {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		log.Printf("catch-up for class %s failed: %v", req.ClassID, err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "temporarily unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}
