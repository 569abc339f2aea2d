package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cymbytes.com/deceptify/internal/deceptify/session"
)

// Attack is an archived attack conversation.
type Attack struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Scenario    string    `json:"scenario"`
	PersonaName string    `json:"persona_name"`
	Transcript  string    `json:"transcript"`
	TurnCount   int       `json:"turn_count"`
	Reset       bool      `json:"reset"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
}

// DefaultAttackLimit bounds ListAttacks when no limit is given.
const DefaultAttackLimit = 50

// SaveAttack stores an ended attack.
func (d *DB) SaveAttack(ctx context.Context, a *Attack) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO attacks (id, user_id, display_name, scenario, persona_name, transcript, turn_count, reset, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.UserID, a.DisplayName, a.Scenario, a.PersonaName, a.Transcript, a.TurnCount, a.Reset, a.StartedAt.UTC(), a.EndedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save attack: %w", err)
	}

	d.logger.Debug().Str("attack_id", a.ID).Str("user_id", a.UserID).Msg("Archived attack")
	return nil
}

// ArchiveAttack stores an attack ended by the session manager.
func (d *DB) ArchiveAttack(ctx context.Context, e session.EndedAttack) error {
	return d.SaveAttack(ctx, &Attack{
		ID:          e.ID,
		UserID:      e.UserID,
		DisplayName: e.DisplayName,
		Scenario:    string(e.Scenario),
		PersonaName: e.PersonaName,
		Transcript:  e.Transcript,
		TurnCount:   e.TurnCount,
		Reset:       e.Reset,
		StartedAt:   e.StartedAt,
		EndedAt:     e.EndedAt,
	})
}

// GetAttack retrieves an attack by ID.
func (d *DB) GetAttack(ctx context.Context, id string) (*Attack, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, user_id, display_name, scenario, persona_name, transcript, turn_count, reset, started_at, ended_at
		FROM attacks
		WHERE id = ?
	`, id)

	a, err := scanAttack(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attack: %w", err)
	}
	return a, nil
}

// ListAttacks returns the most recent attacks, newest first. An empty
// userID lists every user.
func (d *DB) ListAttacks(ctx context.Context, userID string, limit int) ([]*Attack, error) {
	if limit <= 0 {
		limit = DefaultAttackLimit
	}

	query := `
		SELECT id, user_id, display_name, scenario, persona_name, transcript, turn_count, reset, started_at, ended_at
		FROM attacks`
	args := []interface{}{}
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY ended_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list attacks: %w", err)
	}
	defer rows.Close()

	attacks := []*Attack{}
	for rows.Next() {
		a, err := scanAttack(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attack: %w", err)
		}
		attacks = append(attacks, a)
	}
	return attacks, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAttack(s scanner) (*Attack, error) {
	var a Attack
	err := s.Scan(&a.ID, &a.UserID, &a.DisplayName, &a.Scenario, &a.PersonaName,
		&a.Transcript, &a.TurnCount, &a.Reset, &a.StartedAt, &a.EndedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
