package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cymbytes.com/deceptify/internal/deceptify/learning"
)

// SampleStatus is the review state of a learning sample.
type SampleStatus string

const (
	SampleStatusPending  SampleStatus = "pending"
	SampleStatusPromoted SampleStatus = "promoted"
	SampleStatusRejected SampleStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s SampleStatus) Valid() bool {
	switch s {
	case SampleStatusPending, SampleStatusPromoted, SampleStatusRejected:
		return true
	}
	return false
}

// Sample is a processed learning sample awaiting review.
type Sample struct {
	ID        string       `json:"id"`
	Question  string       `json:"question"`
	Answer    string       `json:"answer"`
	DomainRef string       `json:"domain_ref"`
	Duplicate bool         `json:"duplicate"`
	Status    SampleStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// RecordSample stores a sample processed by the learning pipeline.
// Duplicates are stored already rejected.
func (d *DB) RecordSample(ctx context.Context, s learning.Sample, duplicate bool) error {
	status := SampleStatusPending
	if duplicate {
		status = SampleStatusRejected
	}
	now := time.Now().UTC()

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO samples (id, question, answer, domain_ref, duplicate, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), s.Question, s.Answer, s.DomainRef, duplicate, string(status), now, now)
	if err != nil {
		return fmt.Errorf("failed to record sample: %w", err)
	}
	return nil
}

// GetSample retrieves a sample by ID.
func (d *DB) GetSample(ctx context.Context, id string) (*Sample, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, question, answer, domain_ref, duplicate, status, created_at, updated_at
		FROM samples
		WHERE id = ?
	`, id)

	s, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sample: %w", err)
	}
	return s, nil
}

// ListSamples returns samples oldest first, optionally filtered by status.
func (d *DB) ListSamples(ctx context.Context, status SampleStatus) ([]*Sample, error) {
	query := `
		SELECT id, question, answer, domain_ref, duplicate, status, created_at, updated_at
		FROM samples`
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at, rowid"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list samples: %w", err)
	}
	defer rows.Close()

	samples := []*Sample{}
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// UpdateSampleStatus changes the review state of a sample.
func (d *DB) UpdateSampleStatus(ctx context.Context, id string, status SampleStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid sample status %q", status)
	}

	result, err := d.db.ExecContext(ctx, `
		UPDATE samples SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update sample status: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update sample status: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	d.logger.Info().Str("sample_id", id).Str("status", string(status)).Msg("Sample status updated")
	return nil
}

// SampleCounts returns the number of samples per status.
func (d *DB) SampleCounts(ctx context.Context) (map[SampleStatus]int, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM samples GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count samples: %w", err)
	}
	defer rows.Close()

	counts := map[SampleStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[SampleStatus(status)] = n
	}
	return counts, rows.Err()
}

func scanSample(s scanner) (*Sample, error) {
	var out Sample
	var status string
	err := s.Scan(&out.ID, &out.Question, &out.Answer, &out.DomainRef, &out.Duplicate,
		&status, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, err
	}
	out.Status = SampleStatus(status)
	return &out, nil
}
