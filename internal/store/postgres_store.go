package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rollsync/rollsync/internal/models"
)

type PostgresRecordStore struct {
	pool *pgxpool.Pool
}

func NewPostgresRecordStore(pool *pgxpool.Pool) *PostgresRecordStore {
	return &PostgresRecordStore{pool: pool}
}

func (s *PostgresRecordStore) Get(ctx context.Context, key models.RecordKey) (*models.AttendanceRecord, error) {
	query := `SELECT class_id, student_id, day, status, last_applied_ts, last_device_id, version, updated_at
	          FROM attendance_records
	          WHERE class_id = $1 AND student_id = $2 AND day = $3`

	var record models.AttendanceRecord
	err := s.pool.QueryRow(ctx, query, key.ClassID, key.StudentID, key.Day).Scan(
		&record.ClassID,
		&record.StudentID,
		&record.Day,
		&record.Status,
		&record.LastAppliedTimestamp,
		&record.LastDeviceID,
		&record.Version,
		&record.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return &record, nil
}

// Put upserts a canonical record. The WHERE guard on the conflict branch
// keeps replayed or reordered async writes from clobbering a newer version
// already persisted, which makes Put safe to retry blindly.
func (s *PostgresRecordStore) Put(ctx context.Context, record *models.AttendanceRecord) error {
	query := `INSERT INTO attendance_records (class_id, student_id, day, status, last_applied_ts, last_device_id, version, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	          ON CONFLICT (class_id, student_id, day) DO UPDATE
	          SET status = EXCLUDED.status,
	              last_applied_ts = EXCLUDED.last_applied_ts,
	              last_device_id = EXCLUDED.last_device_id,
	              version = EXCLUDED.version,
	              updated_at = NOW()
	          WHERE attendance_records.version < EXCLUDED.version`

	_, err := s.pool.Exec(ctx, query,
		record.ClassID,
		record.StudentID,
		record.Day,
		record.Status,
		record.LastAppliedTimestamp,
		record.LastDeviceID,
		record.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to put record: %w", err)
	}
	return nil
}

func (s *PostgresRecordStore) ListByClass(ctx context.Context, classID string) ([]*models.AttendanceRecord, error) {
	query := `SELECT class_id, student_id, day, status, last_applied_ts, last_device_id, version, updated_at
	          FROM attendance_records
	          WHERE class_id = $1
	          ORDER BY student_id ASC, day ASC`

	rows, err := s.pool.Query(ctx, query, classID)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []*models.AttendanceRecord
	for rows.Next() {
		var record models.AttendanceRecord
		err := rows.Scan(
			&record.ClassID,
			&record.StudentID,
			&record.Day,
			&record.Status,
			&record.LastAppliedTimestamp,
			&record.LastDeviceID,
			&record.Version,
			&record.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, &record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return records, nil
}
