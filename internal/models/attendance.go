package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DayLayout is the calendar-date format used for the Day field everywhere:
// in events, records, cache keys and the durable store.
const DayLayout = "2006-01-02"

type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
	StatusLate    Status = "late"
	StatusExcused Status = "excused"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusLate, StatusExcused:
		return true
	}
	return false
}

// AttendanceEvent is one attendance assertion produced by a device.
// Immutable once created; the producer assigns OriginTimestamp (unix millis,
// non-decreasing per device) and SequenceNumber (per-device counter).
type AttendanceEvent struct {
	ID              uuid.UUID `json:"id"`
	ClassID         string    `json:"class_id"`
	StudentID       string    `json:"student_id"`
	Day             string    `json:"day"`
	Status          Status    `json:"status"`
	OriginTimestamp int64     `json:"origin_timestamp"`
	SequenceNumber  int64     `json:"sequence_number"`
	SourceDeviceID  string    `json:"source_device_id"`
}

// Key returns the composite key of the canonical record this event targets.
func (e *AttendanceEvent) Key() RecordKey {
	return RecordKey{ClassID: e.ClassID, StudentID: e.StudentID, Day: e.Day}
}

// RecordKey identifies one canonical attendance record: one student, one
// class, one calendar day.
type RecordKey struct {
	ClassID   string
	StudentID string
	Day       string
}

func (k RecordKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.ClassID, k.StudentID, k.Day)
}

// AttendanceRecord is the canonical state for one RecordKey. The sync engine
// owns it exclusively; the cache and durable store are mirrors.
type AttendanceRecord struct {
	ClassID              string    `json:"class_id"`
	StudentID            string    `json:"student_id"`
	Day                  string    `json:"day"`
	Status               Status    `json:"status"`
	LastAppliedTimestamp int64     `json:"last_applied_timestamp"`
	LastDeviceID         string    `json:"last_device_id"`
	Version              int64     `json:"version"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func (r *AttendanceRecord) Key() RecordKey {
	return RecordKey{ClassID: r.ClassID, StudentID: r.StudentID, Day: r.Day}
}
