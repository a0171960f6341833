// Package store provides storage backends for session flow state.
//
// It includes an in-memory store for single-process use and tests, plus
// SQLite and PostgreSQL backed stores selected by DSN.
package store

import (
	"strings"

	"github.com/mindframe/cbtcoach/internal/models"
)

// Store defines persistence operations for participant flow state.
type Store interface {
	// SaveFlowState stores or updates flow state for a participant.
	SaveFlowState(state models.FlowState) error

	// GetFlowState retrieves flow state for a participant. Returns (nil, nil)
	// when no state exists.
	GetFlowState(participantID, flowType string) (*models.FlowState, error)

	// DeleteFlowState removes flow state for a participant.
	DeleteFlowState(participantID, flowType string) error

	// Close releases any resources held by the store.
	Close() error
}

// Opts holds configuration for store construction.
type Opts struct {
	DSN string
}

// Option configures store construction.
type Option func(*Opts)

// WithSQLiteDSN sets a SQLite file path DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets a PostgreSQL connection DSN.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL-style DSNs and "sqlite"
// otherwise (file paths are treated as SQLite databases).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
