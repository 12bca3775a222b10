// Package sessionstore persists staging sessions so pending proposals survive
// a process restart. Every backend keeps one record per session ID, loads all
// of them at start and writes through on every mutation.
package sessionstore

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("session store is closed")

// Record is the persisted form of a staging session
type Record struct {
	ID              string    `json:"session_id"`
	FilePath        string    `json:"file_path"`
	OriginalContent string    `json:"original_content"`
	ProposedContent string    `json:"proposed_content"`
	OriginalHash    string    `json:"original_hash"`
	OriginalModTime time.Time `json:"original_mtime"`
	Status          string    `json:"status"`
	Diff            string    `json:"diff"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Store is a durable map from session ID to Record. Sessions are independent,
// so no cross-record transactions are offered.
type Store interface {
	// LoadAll returns every persisted record keyed by session ID
	LoadAll(ctx context.Context) (map[string]Record, error)
	// Save inserts or replaces a record
	Save(ctx context.Context, rec Record) error
	// Delete removes a record. Deleting an unknown ID is not an error.
	Delete(ctx context.Context, id string) error
	Close() error
}
