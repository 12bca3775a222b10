// Package staging intercepts proposed file writes. Writes to new files go
// straight to disk; changes to existing files are held as sessions with a
// reviewable diff and committed only if the file is still exactly as it was
// when the change was proposed.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/avi3tal/agentcore/internal/fsutil"
	"github.com/avi3tal/agentcore/internal/sessionstore"
)

var (
	// ErrSessionNotFound is returned for unknown or expired session IDs
	ErrSessionNotFound = errors.New("not found")

	// ErrConflict is returned when the target changed after the patch was staged
	ErrConflict = errors.New("conflict detected")

	// ErrAlreadyResolved is returned when acting on a session that reached the
	// other terminal state
	ErrAlreadyResolved = errors.New("session already resolved")

	// ErrOutsideRoot is returned for paths that resolve outside the project root
	ErrOutsideRoot = errors.New("path is outside the project root")

	// ErrReservedPath is returned for paths owned by the session store
	ErrReservedPath = errors.New("path is reserved for staging state")
)

// Wire values reported in results
const (
	ResultStaged    = "staged"
	ResultUnchanged = "unchanged"
	ResultCreated   = "created"
	ResultSuccess   = "success"
	ResultDiscarded = "discarded"

	ActionCreate = "create"
	ActionModify = "modify"

	conflictMessage = "Conflict Detected"
)

// Layer manages staging sessions for one project root. All methods are safe
// for concurrent use; mutations of one session are serialised.
type Layer struct {
	root     string
	realRoot string
	reserved []string
	store  sessionstore.Store
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	locks    sessionLocks
}

type Option func(*Layer)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Layer) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(l *Layer) {
		l.now = now
	}
}

// New creates a layer rooted at root and loads every session persisted in
// store.
func New(ctx context.Context, root string, store sessionstore.Store, opts ...Option) (*Layer, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to resolve project root %s", root)
	}
	if store == nil {
		store = sessionstore.NewMemoryStore()
	}

	realRoot, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to resolve project root %s", root)
	}

	l := &Layer{
		root:     abs,
		realRoot: realRoot,
		reserved: []string{filepath.Join(abs, sessionstore.DefaultFileName)},
		store:    store,
		logger:   slog.Default(),
		now:      time.Now,
		sessions: make(map[string]*Session),
		locks:    sessionLocks{m: make(map[string]*sync.Mutex)},
	}
	for _, o := range opts {
		o(l)
	}
	if p, ok := store.(interface{ Path() string }); ok && p.Path() != "" {
		if storePath, err := filepath.Abs(p.Path()); err == nil {
			l.reserved = append(l.reserved, storePath)
		}
	}

	records, err := store.LoadAll(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to load staging sessions")
	}
	for id, rec := range records {
		l.sessions[id] = sessionFromRecord(rec)
	}
	l.logger.Debug("staging sessions loaded", slog.Int("count", len(records)), slog.String("root", abs))
	return l, nil
}

// Root returns the absolute project root
func (l *Layer) Root() string {
	return l.root
}

// CreateResult reports the outcome of a proposed write
type CreateResult struct {
	SessionID    string `json:"session_id,omitempty"`
	Status       string `json:"status"`
	Action       string `json:"action,omitempty"`
	FilePath     string `json:"file_path"`
	Diff         string `json:"diff,omitempty"`
	OriginalHash string `json:"original_hash,omitempty"`
}

// CreatePatch proposes writing proposed to path. A missing file is written
// immediately; identical content is a no-op; anything else is staged.
func (l *Layer) CreatePatch(ctx context.Context, path, proposed string) (CreateResult, error) {
	abs, err := l.resolve(path)
	if err != nil {
		return CreateResult{FilePath: path}, err
	}
	res := CreateResult{FilePath: abs}

	current, stamp, err := fsutil.ReadStamped(abs)
	if errors.Is(err, fs.ErrNotExist) {
		err = fsutil.CreateFileExclusive(abs, []byte(proposed), 0)
		if err == nil {
			l.logger.Info("new file written", slog.String("path", abs))
			res.Status = ResultCreated
			res.Action = ActionCreate
			return res, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return res, pkgerrors.Wrapf(err, "failed to create %s", abs)
		}
		// created by someone else since the read; stage against their content
		l.logger.Debug("file appeared before create, staging instead", slog.String("path", abs))
		current, stamp, err = fsutil.ReadStamped(abs)
	}
	if err != nil {
		return res, pkgerrors.Wrapf(err, "failed to read %s", abs)
	}

	if string(current) == proposed {
		res.Status = ResultUnchanged
		return res, nil
	}

	text, err := unifiedDiff(abs, string(current), proposed)
	if err != nil {
		return res, pkgerrors.Wrapf(err, "failed to diff %s", abs)
	}

	now := l.now()
	s := &Session{
		ID:              uuid.New().String(),
		FilePath:        abs,
		OriginalContent: string(current),
		ProposedContent: proposed,
		Original:        stamp,
		Status:          StatusPending,
		Diff:            text,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := l.store.Save(ctx, s.record()); err != nil {
		return res, pkgerrors.Wrap(err, "failed to persist staging session")
	}

	l.mu.Lock()
	l.sessions[s.ID] = s
	l.mu.Unlock()

	l.logger.Info("patch staged", slog.String("session_id", s.ID), slog.String("path", abs))
	res.SessionID = s.ID
	res.Status = ResultStaged
	res.Action = ActionModify
	res.Diff = text
	res.OriginalHash = stamp.Hash
	return res, nil
}

// PatchView is the review payload of a session
type PatchView struct {
	SessionID       string    `json:"session_id"`
	FilePath        string    `json:"file_path,omitempty"`
	Status          Status    `json:"status,omitempty"`
	Diff            string    `json:"diff,omitempty"`
	OriginalHash    string    `json:"original_hash,omitempty"`
	ProposedContent string    `json:"proposed_content"`
	Stats           DiffStats `json:"stats"`
	CreatedAt       time.Time `json:"created_at,omitzero"`
	Error           string    `json:"error,omitempty"`
}

// GetPatch returns the current view of a session
func (l *Layer) GetPatch(_ context.Context, id string) (PatchView, error) {
	s, unlock, ok := l.acquire(id)
	if !ok {
		return PatchView{SessionID: id, Error: ErrSessionNotFound.Error()}, ErrSessionNotFound
	}
	defer unlock()
	return l.view(s), nil
}

func (l *Layer) view(s *Session) PatchView {
	v := PatchView{
		SessionID:       s.ID,
		FilePath:        s.FilePath,
		Status:          s.Status,
		Diff:            s.Diff,
		OriginalHash:    s.Original.Hash,
		ProposedContent: s.ProposedContent,
		CreatedAt:       s.CreatedAt,
	}
	if s.Status != StatusDiscarded {
		stats, err := diffStats(s.Diff)
		if err != nil {
			l.logger.Warn("failed to parse staged diff", slog.String("session_id", s.ID), slog.String("error", err.Error()))
		}
		v.Stats = stats
	}
	return v
}

// ActionResult reports the outcome of apply and discard
type ActionResult struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ApplyPatch commits a pending session if its target is unchanged since
// staging. Applying an already applied session succeeds without writing.
func (l *Layer) ApplyPatch(ctx context.Context, id string) (ActionResult, error) {
	res := ActionResult{SessionID: id}

	s, unlock, ok := l.acquire(id)
	if !ok {
		res.Error = ErrSessionNotFound.Error()
		return res, ErrSessionNotFound
	}
	defer unlock()

	switch s.Status {
	case StatusApplied:
		res.Status = ResultSuccess
		return res, nil
	case StatusDiscarded:
		res.Error = fmt.Sprintf("%v: session was discarded", ErrAlreadyResolved)
		return res, ErrAlreadyResolved
	}

	// a directory on the way may have been replaced by a link since staging
	if _, err := l.resolve(s.FilePath); err != nil {
		res.Error = err.Error()
		return res, err
	}

	if reason, err := l.conflict(s); err != nil {
		res.Error = err.Error()
		return res, err
	} else if reason != "" {
		l.logger.Warn("patch conflict", slog.String("session_id", id), slog.String("path", s.FilePath), slog.String("reason", reason))
		res.Error = fmt.Sprintf("%s: %s", conflictMessage, reason)
		return res, pkgerrors.Wrap(ErrConflict, reason)
	}

	if err := fsutil.WriteFileAtomic(s.FilePath, []byte(s.ProposedContent), 0); err != nil {
		res.Error = err.Error()
		return res, pkgerrors.Wrapf(err, "failed to apply patch to %s", s.FilePath)
	}

	s.Status = StatusApplied
	s.release()
	s.UpdatedAt = l.now()
	if err := l.store.Save(ctx, s.record()); err != nil {
		// the file is already committed; report success and surface the store error
		l.logger.Error("failed to persist applied session", slog.String("session_id", id), slog.String("error", err.Error()))
		res.Status = ResultSuccess
		return res, pkgerrors.Wrap(err, "failed to persist applied session")
	}

	l.logger.Info("patch applied", slog.String("session_id", id), slog.String("path", s.FilePath))
	res.Status = ResultSuccess
	return res, nil
}

// DiscardPatch rejects a pending session without touching the filesystem.
// Discarding twice is a no-op; discarding an applied session fails with
// ErrAlreadyResolved.
func (l *Layer) DiscardPatch(ctx context.Context, id string) (ActionResult, error) {
	res := ActionResult{SessionID: id}

	s, unlock, ok := l.acquire(id)
	if !ok {
		res.Error = ErrSessionNotFound.Error()
		return res, ErrSessionNotFound
	}
	defer unlock()

	switch s.Status {
	case StatusDiscarded:
		res.Status = ResultDiscarded
		return res, nil
	case StatusApplied:
		res.Error = fmt.Sprintf("%v: session was applied", ErrAlreadyResolved)
		return res, ErrAlreadyResolved
	}

	s.Status = StatusDiscarded
	s.release()
	s.Diff = discardedDiff
	s.UpdatedAt = l.now()
	if err := l.store.Save(ctx, s.record()); err != nil {
		l.logger.Error("failed to persist discarded session", slog.String("session_id", id), slog.String("error", err.Error()))
		res.Status = ResultDiscarded
		return res, pkgerrors.Wrap(err, "failed to persist discarded session")
	}

	l.logger.Info("patch discarded", slog.String("session_id", id))
	res.Status = ResultDiscarded
	return res, nil
}

// VerifyResult reports whether a pending session can still be applied
type VerifyResult struct {
	SessionID string `json:"session_id"`
	Status    Status `json:"status,omitempty"`
	Conflict  bool   `json:"conflict"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Verify compares a pending session's target against the stamp captured at
// staging time without writing anything.
func (l *Layer) Verify(_ context.Context, id string) (VerifyResult, error) {
	res := VerifyResult{SessionID: id}

	s, unlock, ok := l.acquire(id)
	if !ok {
		res.Error = ErrSessionNotFound.Error()
		return res, ErrSessionNotFound
	}
	defer unlock()

	res.Status = s.Status
	if s.Status != StatusPending {
		return res, nil
	}
	reason, err := l.conflict(s)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	res.Conflict = reason != ""
	res.Reason = reason
	return res, nil
}

// CleanupExpired removes every session older than ttl, whatever its status.
// A ttl of zero or less removes all sessions. It returns the number removed.
func (l *Layer) CleanupExpired(ctx context.Context, ttl time.Duration) (int, error) {
	now := l.now()
	removed := 0
	var errs []error

	for _, id := range l.ids() {
		s, unlock, ok := l.acquire(id)
		if !ok {
			continue
		}
		if ttl > 0 && now.Sub(s.CreatedAt) <= ttl {
			unlock()
			continue
		}

		if err := l.store.Delete(ctx, id); err != nil {
			errs = append(errs, err)
			unlock()
			continue
		}
		l.mu.Lock()
		delete(l.sessions, id)
		l.mu.Unlock()
		unlock()
		l.locks.forget(id)
		removed++
	}

	if removed > 0 {
		l.logger.Info("expired staging sessions removed", slog.Int("count", removed), slog.Duration("ttl", ttl))
	}
	if len(errs) > 0 {
		return removed, pkgerrors.Wrap(errors.Join(errs...), "failed to remove expired sessions")
	}
	return removed, nil
}

// ActiveSessions lists pending sessions, oldest first
func (l *Layer) ActiveSessions(_ context.Context) []PatchView {
	var out []PatchView
	for _, id := range l.ids() {
		s, unlock, ok := l.acquire(id)
		if !ok {
			continue
		}
		if s.Status == StatusPending {
			out = append(out, l.view(s))
		}
		unlock()
	}

	slices.SortFunc(out, func(a, b PatchView) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return out
}

// Len returns the number of tracked sessions in any state
func (l *Layer) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.sessions)
}

// conflict re-reads the target and returns a non-empty reason when it no
// longer matches the staged stamp. I/O failures other than a missing file
// are returned as errors.
func (l *Layer) conflict(s *Session) (string, error) {
	_, current, err := fsutil.ReadStamped(s.FilePath)
	if errors.Is(err, fs.ErrNotExist) {
		return "file was removed after the patch was staged", nil
	}
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to read %s", s.FilePath)
	}
	if current.Hash != s.Original.Hash {
		return "file content changed after the patch was staged", nil
	}
	if !current.ModTime.Equal(s.Original.ModTime) {
		return "file modification time changed after the patch was staged", nil
	}
	return "", nil
}

// resolve makes path absolute against the root and rejects escapes, both
// textual and through symlinks, and paths owned by the session store.
func (l *Layer) resolve(path string) (string, error) {
	if path == "" {
		return "", pkgerrors.New("path is required")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(l.root, abs)
	}
	abs = filepath.Clean(abs)

	if !within(l.root, abs) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	for _, r := range l.reserved {
		if within(r, abs) {
			return "", fmt.Errorf("%w: %s", ErrReservedPath, path)
		}
	}

	resolved, err := evalExisting(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrOutsideRoot, path, err)
	}
	if !within(l.realRoot, resolved) {
		return "", fmt.Errorf("%w: %s resolves to %s", ErrOutsideRoot, path, resolved)
	}
	return abs, nil
}

// evalExisting resolves symlinks in the longest existing prefix of path and
// re-joins the missing tail. A dangling symlink is an error.
func evalExisting(path string) (string, error) {
	existing, tail := path, ""
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return path, nil
		}
		tail = filepath.Join(filepath.Base(existing), tail)
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolved, tail), nil
}

// within reports whether path is base or lies below it
func within(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (l *Layer) ids() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.sessions))
	for id := range l.sessions {
		ids = append(ids, id)
	}
	return ids
}

// acquire takes the session's lock and returns the session. The session is
// looked up after locking so a concurrent removal is observed as not found.
func (l *Layer) acquire(id string) (*Session, func(), bool) {
	if id == "" {
		return nil, nil, false
	}
	unlock := l.locks.lock(id)

	l.mu.RLock()
	s, ok := l.sessions[id]
	l.mu.RUnlock()
	if !ok {
		unlock()
		l.locks.forget(id)
		return nil, nil, false
	}
	return s, unlock, true
}

// sessionLocks hands out one mutex per session ID
type sessionLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (k *sessionLocks) lock(id string) func() {
	k.mu.Lock()
	m, ok := k.m[id]
	if !ok {
		m = &sync.Mutex{}
		k.m[id] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func (k *sessionLocks) forget(id string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.m, id)
}
