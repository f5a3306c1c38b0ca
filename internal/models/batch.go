package models

import (
	"github.com/google/uuid"
)

// OfflineBatch is the ordered set of events one device accumulated while
// disconnected. The client submits it atomically on reconnect and discards
// entries as they are acknowledged.
type OfflineBatch struct {
	BatchID  uuid.UUID         `json:"batch_id"`
	DeviceID string            `json:"device_id"`
	Events   []AttendanceEvent `json:"events"`
}

// EventAck is the per-event outcome of a submission. Applied=false with an
// empty Error means the event was stale or duplicate and safely ignored;
// a non-empty Error carries a validation reason code.
type EventAck struct {
	EventID uuid.UUID `json:"event_id"`
	Applied bool      `json:"applied"`
	Error   string    `json:"error,omitempty"`
}
