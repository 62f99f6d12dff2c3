// Package store persists scan records and their event history in Postgres.
// The queue and result documents live in Redis; Postgres is the durable
// record of what was requested and how discovery went.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"scanfleet/internal/models"
)

// ErrNotFound is returned when a scan id has no row.
var ErrNotFound = errors.New("scan not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateScan inserts a scan row with discovery marked running.
func (s *Store) CreateScan(ctx context.Context, scan models.Scan) error {
	cfgJSON, err := json.Marshal(scan.Config)
	if err != nil {
		return fmt.Errorf("marshal scan config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO scans (id, provider, config, discovery_status, projects_discovered, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $5)
	`, scan.ID, string(scan.Config.Provider), cfgJSON, string(models.DiscoveryRunning), scan.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert scan: %w", err)
	}
	return nil
}

// GetScan fetches a scan by id.
func (s *Store) GetScan(ctx context.Context, id string) (models.Scan, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, config, discovery_status, discovery_error, projects_discovered, created_at
		FROM scans WHERE id = $1
	`, id)
	scan, err := scanFromRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Scan{}, ErrNotFound
	}
	return scan, err
}

// ListScans returns scans newest first.
func (s *Store) ListScans(ctx context.Context, limit int) ([]models.Scan, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, config, discovery_status, discovery_error, projects_discovered, created_at
		FROM scans ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query scans: %w", err)
	}
	defer rows.Close()

	var scans []models.Scan
	for rows.Next() {
		scan, err := scanFromRow(rows)
		if err != nil {
			return nil, err
		}
		scans = append(scans, scan)
	}
	return scans, rows.Err()
}

// SetDiscoveryStatus records the outcome of the discovery phase.
func (s *Store) SetDiscoveryStatus(ctx context.Context, scanID string, status models.DiscoveryStatus, discovered int, message string) error {
	var msg *string
	if message != "" {
		msg = &message
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE scans
		SET discovery_status = $2, discovery_error = $3, projects_discovered = $4, updated_at = NOW()
		WHERE id = $1
	`, scanID, string(status), msg, discovered)
	return err
}

// AppendEvent adds a row to the scan's event history.
func (s *Store) AppendEvent(ctx context.Context, scanID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scan_events (scan_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, scanID, event, detail)
	return err
}

// Events returns the event history for a scan, oldest first.
func (s *Store) Events(ctx context.Context, scanID string) ([]models.ScanEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event, detail, ts FROM scan_events WHERE scan_id = $1 ORDER BY ts ASC
	`, scanID)
	if err != nil {
		return nil, fmt.Errorf("query scan events: %w", err)
	}
	defer rows.Close()

	var events []models.ScanEvent
	for rows.Next() {
		var e models.ScanEvent
		if err := rows.Scan(&e.Event, &e.Detail, &e.At); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		e.ScanID = scanID
		events = append(events, e)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFromRow(row rowScanner) (models.Scan, error) {
	var scan models.Scan
	var cfgJSON []byte
	var status string
	var discErr pgtype.Text
	var createdAt time.Time

	if err := row.Scan(&scan.ID, &cfgJSON, &status, &discErr, &scan.ProjectsDiscovered, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Scan{}, err
		}
		return models.Scan{}, fmt.Errorf("scan row: %w", err)
	}
	if err := json.Unmarshal(cfgJSON, &scan.Config); err != nil {
		return models.Scan{}, fmt.Errorf("unmarshal scan config: %w", err)
	}
	scan.Discovery = models.DiscoveryStatus(status)
	if discErr.Valid {
		scan.DiscoveryError = discErr.String
	}
	scan.CreatedAt = createdAt.UTC()
	return scan, nil
}
