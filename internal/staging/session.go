package staging

import (
	"time"

	"github.com/avi3tal/agentcore/internal/fsutil"
	"github.com/avi3tal/agentcore/internal/sessionstore"
)

// Status is the lifecycle state of a staging session. APPLIED and DISCARDED
// are terminal.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApplied   Status = "APPLIED"
	StatusDiscarded Status = "DISCARDED"
)

// discardedDiff replaces the diff of a discarded session
const discardedDiff = "Discarded."

// Session is one pending write to an existing file
type Session struct {
	ID              string
	FilePath        string
	OriginalContent string
	ProposedContent string
	Original        fsutil.Stamp
	Status          Status
	Diff            string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (s *Session) record() sessionstore.Record {
	return sessionstore.Record{
		ID:              s.ID,
		FilePath:        s.FilePath,
		OriginalContent: s.OriginalContent,
		ProposedContent: s.ProposedContent,
		OriginalHash:    s.Original.Hash,
		OriginalModTime: s.Original.ModTime,
		Status:          string(s.Status),
		Diff:            s.Diff,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

func sessionFromRecord(rec sessionstore.Record) *Session {
	return &Session{
		ID:              rec.ID,
		FilePath:        rec.FilePath,
		OriginalContent: rec.OriginalContent,
		ProposedContent: rec.ProposedContent,
		Original: fsutil.Stamp{
			Hash:    rec.OriginalHash,
			ModTime: rec.OriginalModTime,
			Size:    int64(len(rec.OriginalContent)),
		},
		Status:    Status(rec.Status),
		Diff:      rec.Diff,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

// release drops buffered content that a resolved session no longer needs
func (s *Session) release() {
	s.OriginalContent = ""
	s.ProposedContent = ""
}
