// Package telemetry records engine snapshots and run summaries as NDJSON,
// one JSON document per line, so runs can be tailed or replayed by other
// tools.
package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/avi3tal/agentcore/internal/engine"
)

// MaxLineSize caps a single encoded event (1 MiB)
const MaxLineSize = 1024 * 1024

// SummaryType tags summary lines; snapshot lines carry engine.SnapshotType
const SummaryType = "run_summary"

type summaryLine struct {
	Type string `json:"type"`
	engine.Summary
}

// Sink writes events to an io.Writer. It implements engine.Sink.
type Sink struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	logger *slog.Logger
}

var _ engine.Sink = (*Sink)(nil)

// NewSink writes to w. Closing the sink flushes but does not close w.
func NewSink(w io.Writer, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{w: bufio.NewWriter(w), logger: logger}
}

// OpenFile appends events to the file at path, creating it and its
// directory if needed.
func OpenFile(path string, logger *slog.Logger) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	s := NewSink(f, logger)
	s.closer = f
	return s, nil
}

func (s *Sink) PublishSnapshot(_ context.Context, snap engine.Snapshot) error {
	return s.encode(snap)
}

func (s *Sink) PublishSummary(_ context.Context, sum engine.Summary) error {
	return s.encode(summaryLine{Type: SummaryType, Summary: sum})
}

func (s *Sink) encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if len(data) > MaxLineSize {
		s.logger.Error("event exceeds size limit", slog.Int("size", len(data)), slog.Int("limit", MaxLineSize))
		return fmt.Errorf("event size %d exceeds limit %d", len(data), MaxLineSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return s.w.Flush()
}

// Close flushes buffered output and closes the file opened by OpenFile
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.closer != nil {
		err := s.closer.Close()
		s.closer = nil
		return err
	}
	return nil
}

// Event is one decoded line. Exactly one of Snapshot and Summary is set.
type Event struct {
	Snapshot *engine.Snapshot
	Summary  *engine.Summary
}

// ReadEvents decodes every line of r
func ReadEvents(r io.Reader) ([]Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)

	var events []Event
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		switch head.Type {
		case engine.SnapshotType:
			var snap engine.Snapshot
			if err := json.Unmarshal(raw, &snap); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			events = append(events, Event{Snapshot: &snap})
		case SummaryType:
			var sum summaryLine
			if err := json.Unmarshal(raw, &sum); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			events = append(events, Event{Summary: &sum.Summary})
		default:
			return nil, fmt.Errorf("line %d: unknown event type %q", line, head.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
