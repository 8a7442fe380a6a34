package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/opensafely-core/jobrunner/internal/models"
)

// GetFlag fetches one flag for a backend.
func (s *Store) GetFlag(backend, id string) (*models.Flag, error) {
	row := s.conn.QueryRow(
		`SELECT id, value, backend, timestamp FROM flags
		 WHERE backend = ? AND id = ?`, backend, id)

	var flag models.Flag
	err := row.Scan(&flag.ID, &flag.Value, &flag.Backend, &flag.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("flag %s/%s: %w", backend, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flag %s/%s: %w", backend, id, err)
	}
	return &flag, nil
}

// FlagValue returns the value of a flag, or "" if it has never been set.
func (s *Store) FlagValue(backend, id string) (string, error) {
	flag, err := s.GetFlag(backend, id)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return flag.Value, nil
}

// SetFlag writes a flag value. Writing the value a flag already holds is a
// no-op which preserves the existing timestamp, so the timestamp always
// records when the value last changed rather than when it was last written.
func (s *Store) SetFlag(backend, id, value string, now int64) (*models.Flag, error) {
	existing, err := s.GetFlag(backend, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.Value == value {
		return existing, nil
	}

	_, err = s.conn.Exec(
		`INSERT INTO flags (id, value, backend, timestamp) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id, backend) DO UPDATE SET
			value = excluded.value, timestamp = excluded.timestamp`,
		id, value, backend, now)
	if err != nil {
		return nil, fmt.Errorf("failed to set flag %s/%s: %w", backend, id, err)
	}
	return &models.Flag{ID: id, Value: value, Backend: backend, Timestamp: now}, nil
}

// Flags returns every flag set for a backend, sorted by id.
func (s *Store) Flags(backend string) ([]*models.Flag, error) {
	rows, err := s.conn.Query(
		`SELECT id, value, backend, timestamp FROM flags
		 WHERE backend = ? ORDER BY id`, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to list flags for %s: %w", backend, err)
	}
	defer rows.Close()

	var flags []*models.Flag
	for rows.Next() {
		var flag models.Flag
		if err := rows.Scan(&flag.ID, &flag.Value, &flag.Backend, &flag.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan flag: %w", err)
		}
		flags = append(flags, &flag)
	}
	return flags, rows.Err()
}
