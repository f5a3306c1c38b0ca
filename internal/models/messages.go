package models

// BroadcastMessage is pushed to every live subscriber of a class whenever a
// canonical record actually changes.
type BroadcastMessage struct {
	ClassID   string `json:"class_id"`
	StudentID string `json:"student_id"`
	Day       string `json:"day"`
	Status    Status `json:"status"`
	Version   int64  `json:"version"`
	Timestamp int64  `json:"timestamp"`
}

// NewBroadcastMessage projects a canonical record onto the wire shape.
func NewBroadcastMessage(r *AttendanceRecord) BroadcastMessage {
	return BroadcastMessage{
		ClassID:   r.ClassID,
		StudentID: r.StudentID,
		Day:       r.Day,
		Status:    r.Status,
		Version:   r.Version,
		Timestamp: r.LastAppliedTimestamp,
	}
}

// CatchUpRequest is the reconnection handshake. A nil KnownVersion requests
// a full resync.
type CatchUpRequest struct {
	ClassID      string `json:"class_id"`
	KnownVersion *int64 `json:"known_version,omitempty"`
}

// CatchUpResponse carries either the records changed since KnownVersion or,
// when the gap is too large to bother with a delta, a full snapshot of the
// class. Delta is non-nil on the delta branch even when nothing changed, so
// an up-to-date client can tell an empty delta from an empty snapshot.
type CatchUpResponse struct {
	ClassID      string             `json:"class_id"`
	Delta        []AttendanceRecord `json:"delta"`
	FullSnapshot []AttendanceRecord `json:"full_snapshot,omitempty"`
}
