package staging

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avi3tal/agentcore/internal/sessionstore"
)

const serverPy = "def start_server():\n    print('Server listening on port 8000')\n"

func newLayer(t *testing.T, opts ...Option) (*Layer, string) {
	t.Helper()
	root := t.TempDir()
	l, err := New(context.Background(), root, sessionstore.NewMemoryStore(), opts...)
	require.NoError(t, err)
	return l, root
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// touchLater moves a file's mtime forward so an external rewrite is always
// observable even on filesystems with coarse timestamps.
func touchLater(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	later := info.ModTime().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, later, later))
}

func TestCreatePatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("NewFileWrittenImmediately", func(t *testing.T) {
		t.Parallel()
		l, root := newLayer(t)

		res, err := l.CreatePatch(ctx, "x.py", "print('new')\n")
		require.NoError(t, err)
		assert.Equal(t, ActionCreate, res.Action)
		assert.Equal(t, ResultCreated, res.Status)
		assert.Empty(t, res.SessionID)
		assert.Equal(t, "print('new')\n", readFile(t, filepath.Join(root, "x.py")))
		assert.Zero(t, l.Len())
	})

	t.Run("NewFileInSubdirectory", func(t *testing.T) {
		t.Parallel()
		l, root := newLayer(t)

		_, err := l.CreatePatch(ctx, filepath.Join(root, "pkg", "mod", "a.go"), "package mod\n")
		require.NoError(t, err)
		assert.Equal(t, "package mod\n", readFile(t, filepath.Join(root, "pkg", "mod", "a.go")))
	})

	t.Run("UnchangedIsIdempotent", func(t *testing.T) {
		t.Parallel()
		l, root := newLayer(t)
		path := filepath.Join(root, "server.py")
		writeFile(t, path, serverPy)
		before, err := os.Stat(path)
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			res, err := l.CreatePatch(ctx, path, serverPy)
			require.NoError(t, err)
			assert.Equal(t, ResultUnchanged, res.Status)
			assert.Empty(t, res.SessionID)
		}

		after, err := os.Stat(path)
		require.NoError(t, err)
		assert.Zero(t, l.Len())
		assert.Equal(t, before.ModTime(), after.ModTime())
	})

	t.Run("StagesDiff", func(t *testing.T) {
		t.Parallel()
		l, root := newLayer(t)
		path := filepath.Join(root, "server.py")
		writeFile(t, path, serverPy)

		proposed := "def start_server():\n    print('Server listening on port 8080')\n"
		res, err := l.CreatePatch(ctx, path, proposed)
		require.NoError(t, err)

		assert.Equal(t, ResultStaged, res.Status)
		assert.Equal(t, ActionModify, res.Action)
		assert.NotEmpty(t, res.SessionID)
		assert.Contains(t, res.Diff, "--- a/server.py")
		assert.Contains(t, res.Diff, "+++ b/server.py")
		assert.Contains(t, res.Diff, "port 8080")
		assert.NotEmpty(t, res.OriginalHash)
		assert.Equal(t, serverPy, readFile(t, path), "staging never writes")
	})

	t.Run("OutsideRootRejected", func(t *testing.T) {
		t.Parallel()
		l, root := newLayer(t)

		_, err := l.CreatePatch(ctx, filepath.Join(root, "..", "escape.txt"), "x")
		require.ErrorIs(t, err, ErrOutsideRoot)
		_, err = l.CreatePatch(ctx, "../../etc/passwd", "x")
		require.ErrorIs(t, err, ErrOutsideRoot)
		_, err = l.CreatePatch(ctx, "", "x")
		require.Error(t, err)
	})

	t.Run("OutsideRootViaSymlink", func(t *testing.T) {
		t.Parallel()
		l, root := newLayer(t)
		outside := t.TempDir()
		writeFile(t, filepath.Join(outside, "secret.txt"), "keep\n")
		require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))
		require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "secret.txt")))
		require.NoError(t, os.Symlink(filepath.Join(outside, "gone"), filepath.Join(root, "dangling")))

		for _, path := range []string{"link/evil.py", "link/nested/evil.py", "link/secret.txt", "secret.txt", "dangling/evil.py"} {
			_, err := l.CreatePatch(ctx, path, "pwned\n")
			require.ErrorIs(t, err, ErrOutsideRoot, path)
		}

		_, err := os.Stat(filepath.Join(outside, "evil.py"))
		require.ErrorIs(t, err, os.ErrNotExist)
		assert.Equal(t, "keep\n", readFile(t, filepath.Join(outside, "secret.txt")))
		assert.Zero(t, l.Len())
	})

	t.Run("SymlinkInsideRootAllowed", func(t *testing.T) {
		t.Parallel()
		l, root := newLayer(t)
		require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
		require.NoError(t, os.Symlink(filepath.Join(root, "src"), filepath.Join(root, "alias")))

		res, err := l.CreatePatch(ctx, "alias/main.go", "package main\n")
		require.NoError(t, err)
		assert.Equal(t, ResultCreated, res.Status)
		assert.Equal(t, "package main\n", readFile(t, filepath.Join(root, "src", "main.go")))
	})

	t.Run("StoreStateRejected", func(t *testing.T) {
		t.Parallel()
		root := t.TempDir()
		store, err := sessionstore.OpenFileStore(filepath.Join(root, "state", "sessions.json"))
		require.NoError(t, err)
		l, err := New(ctx, root, store)
		require.NoError(t, err)

		_, err = l.CreatePatch(ctx, "state/sessions.json", "{}")
		require.ErrorIs(t, err, ErrReservedPath)
		_, err = l.CreatePatch(ctx, sessionstore.DefaultFileName, "{}")
		require.ErrorIs(t, err, ErrReservedPath)

		_, err = os.Stat(filepath.Join(root, sessionstore.DefaultFileName))
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestGetPatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, root := newLayer(t)
	path := filepath.Join(root, "server.py")
	writeFile(t, path, "a\nb\nc\n")

	res, err := l.CreatePatch(ctx, path, "a\nB\nc\nd\n")
	require.NoError(t, err)

	view, err := l.GetPatch(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, view.Status)
	assert.Equal(t, res.OriginalHash, view.OriginalHash)
	assert.NotEmpty(t, view.OriginalHash)
	assert.Equal(t, path, view.FilePath)
	assert.Equal(t, "a\nB\nc\nd\n", view.ProposedContent)
	assert.Equal(t, DiffStats{Added: 2, Removed: 1}, view.Stats)
	assert.False(t, view.CreatedAt.IsZero())

	for _, garbage := range []string{"", "garbage-id-123", "../../etc"} {
		view, err := l.GetPatch(ctx, garbage)
		require.ErrorIs(t, err, ErrSessionNotFound)
		assert.Equal(t, "not found", view.Error)
	}
}

func TestApplyPatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("DirectorySwappedForLink", func(t *testing.T) {
		t.Parallel()
		l, root := newLayer(t)
		path := filepath.Join(root, "conf", "app.ini")
		writeFile(t, path, "a=1\n")
		res, err := l.CreatePatch(ctx, path, "a=2\n")
		require.NoError(t, err)

		outside := t.TempDir()
		writeFile(t, filepath.Join(outside, "app.ini"), "a=1\n")
		require.NoError(t, os.Rename(filepath.Join(root, "conf"), filepath.Join(root, "conf.bak")))
		require.NoError(t, os.Symlink(outside, filepath.Join(root, "conf")))

		_, err = l.ApplyPatch(ctx, res.SessionID)
		require.ErrorIs(t, err, ErrOutsideRoot)
		assert.Equal(t, "a=1\n", readFile(t, filepath.Join(outside, "app.ini")))
	})

	t.Run("TwoLineChange", func(t *testing.T) {
		t.Parallel()
		l, root := newLayer(t)
		path := filepath.Join(root, "three.txt")
		writeFile(t, path, "one\ntwo\nthree\n")

		proposed := "one\nTWO\nTHREE\n"
		res, err := l.CreatePatch(ctx, path, proposed)
		require.NoError(t, err)

		applied, err := l.ApplyPatch(ctx, res.SessionID)
		require.NoError(t, err)
		assert.Equal(t, ResultSuccess, applied.Status)
		assert.Equal(t, proposed, readFile(t, path))

		view, err := l.GetPatch(ctx, res.SessionID)
		require.NoError(t, err)
		assert.Equal(t, StatusApplied, view.Status)
		assert.Empty(t, view.ProposedContent, "buffers are released after apply")
	})

	t.Run("NotFound", func(t *testing.T) {
		t.Parallel()
		l, _ := newLayer(t)
		res, err := l.ApplyPatch(ctx, "unknown")
		require.ErrorIs(t, err, ErrSessionNotFound)
		assert.Equal(t, "not found", res.Error)
	})

	t.Run("ConflictOnExternalEdit", func(t *testing.T) {
		t.Parallel()
		l, root := newLayer(t)
		path := filepath.Join(root, "server.py")
		writeFile(t, path, serverPy)

		res, err := l.CreatePatch(ctx, path, "print('AI Write')")
		require.NoError(t, err)

		writeFile(t, path, "print('User Write')")
		touchLater(t, path)

		applied, err := l.ApplyPatch(ctx, res.SessionID)
		require.ErrorIs(t, err, ErrConflict)
		assert.Contains(t, applied.Error, "Conflict Detected")
		assert.Equal(t, "print('User Write')", readFile(t, path))

		view, err := l.GetPatch(ctx, res.SessionID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, view.Status, "a conflicting session stays pending")
	})

	t.Run("ConflictOnTouchOnly", func(t *testing.T) {
		t.Parallel()
		l, root := newLayer(t)
		path := filepath.Join(root, "server.py")
		writeFile(t, path, serverPy)

		res, err := l.CreatePatch(ctx, path, "changed")
		require.NoError(t, err)
		touchLater(t, path)

		_, err = l.ApplyPatch(ctx, res.SessionID)
		require.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, serverPy, readFile(t, path))
	})

	t.Run("ConflictOnRemovedFile", func(t *testing.T) {
		t.Parallel()
		l, root := newLayer(t)
		path := filepath.Join(root, "server.py")
		writeFile(t, path, serverPy)

		res, err := l.CreatePatch(ctx, path, "changed")
		require.NoError(t, err)
		require.NoError(t, os.Remove(path))

		_, err = l.ApplyPatch(ctx, res.SessionID)
		require.ErrorIs(t, err, ErrConflict)
		_, statErr := os.Stat(path)
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("SequentialProposalsConflict", func(t *testing.T) {
		t.Parallel()
		l, root := newLayer(t)
		path := filepath.Join(root, "server.py")
		writeFile(t, path, serverPy)

		first, err := l.CreatePatch(ctx, path, "first\n")
		require.NoError(t, err)
		second, err := l.CreatePatch(ctx, path, "second\n")
		require.NoError(t, err)
		assert.NotEqual(t, first.SessionID, second.SessionID)

		writeFile(t, path, "edited by hand\n")
		touchLater(t, path)

		_, err = l.ApplyPatch(ctx, second.SessionID)
		require.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, "edited by hand\n", readFile(t, path))
	})

	t.Run("DoubleApplyIsNoop", func(t *testing.T) {
		t.Parallel()
		l, root := newLayer(t)
		path := filepath.Join(root, "server.py")
		writeFile(t, path, serverPy)

		res, err := l.CreatePatch(ctx, path, "v2\n")
		require.NoError(t, err)
		_, err = l.ApplyPatch(ctx, res.SessionID)
		require.NoError(t, err)

		// a later external edit must not be overwritten by a second apply
		writeFile(t, path, "v3 by user\n")
		again, err := l.ApplyPatch(ctx, res.SessionID)
		require.NoError(t, err)
		assert.Equal(t, ResultSuccess, again.Status)
		assert.Equal(t, "v3 by user\n", readFile(t, path))
	})

	t.Run("ApplyAfterDiscard", func(t *testing.T) {
		t.Parallel()
		l, root := newLayer(t)
		path := filepath.Join(root, "server.py")
		writeFile(t, path, serverPy)

		res, err := l.CreatePatch(ctx, path, "v2\n")
		require.NoError(t, err)
		_, err = l.DiscardPatch(ctx, res.SessionID)
		require.NoError(t, err)

		applied, err := l.ApplyPatch(ctx, res.SessionID)
		require.ErrorIs(t, err, ErrAlreadyResolved)
		assert.NotEmpty(t, applied.Error)
		assert.Equal(t, serverPy, readFile(t, path))
	})
}

func TestDiscardPatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, root := newLayer(t)
	path := filepath.Join(root, "server.py")
	writeFile(t, path, serverPy)

	res, err := l.CreatePatch(ctx, path, "")
	require.NoError(t, err)
	require.Equal(t, ResultStaged, res.Status)

	discarded, err := l.DiscardPatch(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, ResultDiscarded, discarded.Status)

	view, err := l.GetPatch(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusDiscarded, view.Status)
	assert.Empty(t, view.ProposedContent)
	assert.Equal(t, "Discarded.", view.Diff)
	assert.Equal(t, serverPy, readFile(t, path))

	again, err := l.DiscardPatch(ctx, res.SessionID)
	require.NoError(t, err, "discarding twice is idempotent")
	assert.Equal(t, ResultDiscarded, again.Status)

	_, err = l.DiscardPatch(ctx, "garbage")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDiscardAfterApply(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, root := newLayer(t)
	path := filepath.Join(root, "server.py")
	writeFile(t, path, serverPy)

	res, err := l.CreatePatch(ctx, path, "v2\n")
	require.NoError(t, err)
	_, err = l.ApplyPatch(ctx, res.SessionID)
	require.NoError(t, err)

	_, err = l.DiscardPatch(ctx, res.SessionID)
	require.ErrorIs(t, err, ErrAlreadyResolved)

	view, err := l.GetPatch(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, view.Status)
	assert.Equal(t, "v2\n", readFile(t, path))
}

func TestCleanupExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("NonPositiveTTLRemovesAll", func(t *testing.T) {
		t.Parallel()
		for _, ttl := range []time.Duration{0, -time.Second} {
			l, root := newLayer(t)
			path := filepath.Join(root, "server.py")
			writeFile(t, path, serverPy)

			applied, err := l.CreatePatch(ctx, path, "a\n")
			require.NoError(t, err)
			_, err = l.ApplyPatch(ctx, applied.SessionID)
			require.NoError(t, err)
			discarded, err := l.CreatePatch(ctx, path, "b\n")
			require.NoError(t, err)
			_, err = l.DiscardPatch(ctx, discarded.SessionID)
			require.NoError(t, err)
			_, err = l.CreatePatch(ctx, path, "c\n")
			require.NoError(t, err)
			require.Equal(t, 3, l.Len())

			removed, err := l.CleanupExpired(ctx, ttl)
			require.NoError(t, err)
			assert.Equal(t, 3, removed)
			assert.Zero(t, l.Len())
		}
	})

	t.Run("KeepsFreshSessions", func(t *testing.T) {
		t.Parallel()
		now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
		clock := func() time.Time { return now }
		l, root := newLayer(t, WithClock(clock))
		path := filepath.Join(root, "server.py")
		writeFile(t, path, serverPy)

		old, err := l.CreatePatch(ctx, path, "old\n")
		require.NoError(t, err)
		now = now.Add(2 * time.Hour)
		fresh, err := l.CreatePatch(ctx, path, "fresh\n")
		require.NoError(t, err)
		now = now.Add(time.Minute)

		removed, err := l.CleanupExpired(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, err = l.GetPatch(ctx, old.SessionID)
		require.ErrorIs(t, err, ErrSessionNotFound)
		_, err = l.GetPatch(ctx, fresh.SessionID)
		require.NoError(t, err)
	})
}

func TestActiveSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l, root := newLayer(t, WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))
	a := filepath.Join(root, "a.txt")
	b := filepath.Join(root, "b.txt")
	writeFile(t, a, "a\n")
	writeFile(t, b, "b\n")

	first, err := l.CreatePatch(ctx, a, "a2\n")
	require.NoError(t, err)
	second, err := l.CreatePatch(ctx, b, "b2\n")
	require.NoError(t, err)
	third, err := l.CreatePatch(ctx, a, "a3\n")
	require.NoError(t, err)
	_, err = l.DiscardPatch(ctx, third.SessionID)
	require.NoError(t, err)

	active := l.ActiveSessions(ctx)
	require.Len(t, active, 2)
	assert.Equal(t, first.SessionID, active[0].SessionID)
	assert.Equal(t, second.SessionID, active[1].SessionID)
}

func TestVerify(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, root := newLayer(t)
	path := filepath.Join(root, "server.py")
	writeFile(t, path, serverPy)

	res, err := l.CreatePatch(ctx, path, "v2\n")
	require.NoError(t, err)

	v, err := l.Verify(ctx, res.SessionID)
	require.NoError(t, err)
	assert.False(t, v.Conflict)

	writeFile(t, path, "user\n")
	touchLater(t, path)
	v, err = l.Verify(ctx, res.SessionID)
	require.NoError(t, err)
	assert.True(t, v.Conflict)
	assert.NotEmpty(t, v.Reason)
	assert.Equal(t, "user\n", readFile(t, path))

	_, err = l.Verify(ctx, "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionsSurviveRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	root := t.TempDir()
	path := filepath.Join(root, "server.py")
	writeFile(t, path, serverPy)

	store, err := sessionstore.OpenProjectFileStore(root)
	require.NoError(t, err)
	l, err := New(ctx, root, store)
	require.NoError(t, err)
	res, err := l.CreatePatch(ctx, path, "after restart\n")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := sessionstore.OpenProjectFileStore(root)
	require.NoError(t, err)
	restarted, err := New(ctx, root, reopened)
	require.NoError(t, err)

	view, err := restarted.GetPatch(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, view.Status)
	assert.Equal(t, res.Diff, view.Diff)

	applied, err := restarted.ApplyPatch(ctx, res.SessionID)
	require.NoError(t, err, "the persisted stamp still matches the untouched file")
	assert.Equal(t, ResultSuccess, applied.Status)
	assert.Equal(t, "after restart\n", readFile(t, path))
}

func TestConcurrentApplyDiscard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, root := newLayer(t)
	path := filepath.Join(root, "server.py")
	writeFile(t, path, serverPy)

	res, err := l.CreatePatch(ctx, path, "raced\n")
	require.NoError(t, err)

	const workers = 16
	var wg sync.WaitGroup
	applyErrs := make([]error, workers)
	discardErrs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, applyErrs[i] = l.ApplyPatch(ctx, res.SessionID)
		}(i)
		go func(i int) {
			defer wg.Done()
			_, discardErrs[i] = l.DiscardPatch(ctx, res.SessionID)
		}(i)
	}
	wg.Wait()

	view, err := l.GetPatch(ctx, res.SessionID)
	require.NoError(t, err)

	switch view.Status {
	case StatusApplied:
		assert.Equal(t, "raced\n", readFile(t, path))
		for _, err := range applyErrs {
			assert.NoError(t, err)
		}
		for _, err := range discardErrs {
			assert.ErrorIs(t, err, ErrAlreadyResolved)
		}
	case StatusDiscarded:
		assert.Equal(t, serverPy, readFile(t, path))
		for _, err := range discardErrs {
			assert.NoError(t, err)
		}
		for _, err := range applyErrs {
			assert.ErrorIs(t, err, ErrAlreadyResolved)
		}
	default:
		t.Fatalf("unexpected status %s", view.Status)
	}
}
