// Package reconcile implements the offline reconciliation protocol: the
// catch-up handshake a client runs on reconnect, and ordered replay of the
// batch it accumulated while disconnected.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rollsync/rollsync/internal/engine"
	"github.com/rollsync/rollsync/internal/models"
)

const DefaultDeltaThreshold = 64

// ErrMissingClassID rejects a catch-up request without a class.
var ErrMissingClassID = errors.New("class id is required")

type Reconciler struct {
	engine *engine.Engine
	// deltaThreshold bounds how many changed records a delta response may
	// carry before the server switches to a full snapshot.
	deltaThreshold int
}

func New(eng *engine.Engine, deltaThreshold int) *Reconciler {
	if deltaThreshold <= 0 {
		deltaThreshold = DefaultDeltaThreshold
	}
	return &Reconciler{engine: eng, deltaThreshold: deltaThreshold}
}

// CatchUp compares the client's highest observed version against the live
// canonical records for the class. A missing KnownVersion, or a gap larger
// than the configured threshold, yields a full snapshot; otherwise only the
// changed records are returned.
func (r *Reconciler) CatchUp(ctx context.Context, req models.CatchUpRequest) (models.CatchUpResponse, error) {
	if req.ClassID == "" {
		return models.CatchUpResponse{}, ErrMissingClassID
	}

	records, err := r.engine.ClassRecords(ctx, req.ClassID)
	if err != nil {
		return models.CatchUpResponse{}, fmt.Errorf("catch-up failed: %w", err)
	}

	resp := models.CatchUpResponse{ClassID: req.ClassID}

	if req.KnownVersion == nil {
		resp.FullSnapshot = flatten(records)
		return resp, nil
	}

	var changed []models.AttendanceRecord
	for _, record := range records {
		if record.Version > *req.KnownVersion {
			changed = append(changed, *record)
		}
	}

	if len(changed) > r.deltaThreshold {
		resp.FullSnapshot = flatten(records)
		return resp, nil
	}

	if changed == nil {
		changed = []models.AttendanceRecord{}
	}
	resp.Delta = changed
	return resp, nil
}

// SubmitBatch replays a device's offline batch through the engine in the
// submitted order, preserving the device's own causal sequence. Every event
// gets exactly one ack; a validation failure rejects that event and moves
// on. Resubmitting any unacknowledged tail is safe because the merge is
// idempotent.
func (r *Reconciler) SubmitBatch(ctx context.Context, deviceID string, events []models.AttendanceEvent) ([]models.EventAck, error) {
	acks := make([]models.EventAck, 0, len(events))

	for i := range events {
		event := events[i]
		if event.SourceDeviceID == "" {
			event.SourceDeviceID = deviceID
		}
		if event.ID == uuid.Nil {
			event.ID = uuid.New()
		}

		result, err := r.engine.ApplyEvent(ctx, &event)
		if err != nil {
			if verr, ok := engine.AsValidationError(err); ok {
				acks = append(acks, models.EventAck{EventID: event.ID, Applied: false, Error: verr.Code})
				continue
			}
			// A store outage mid-batch: return what was acknowledged so
			// far; the client resubmits the rest.
			return acks, err
		}
		acks = append(acks, models.EventAck{EventID: event.ID, Applied: result.Applied})
	}

	return acks, nil
}

func flatten(records []*models.AttendanceRecord) []models.AttendanceRecord {
	out := make([]models.AttendanceRecord, 0, len(records))
	for _, record := range records {
		out = append(out, *record)
	}
	return out
}
