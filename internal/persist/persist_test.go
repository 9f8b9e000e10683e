package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := NewQueue("test", t.TempDir(), 0, logrus.New())
	require.NoError(t, err)
	return q
}

func TestPersistCreatesOneFilePerEvent(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.Persist([]byte("one")))
	require.NoError(t, q.Persist([]byte("two")))

	assert.Equal(t, 2, q.Size())
}

func TestDrainUploadsAndUnlinks(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Persist([]byte("a")))
	require.NoError(t, q.Persist([]byte("b")))
	require.NoError(t, q.Persist([]byte("c")))

	var mu sync.Mutex
	var seen []string
	q.Drain(context.Background(), func(_ context.Context, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(data))
		return nil
	})

	assert.Len(t, seen, 3)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, seen)
	assert.Zero(t, q.Size())
}

func TestDrainKeepsTransientFailures(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Persist([]byte("keep-me")))

	q.Drain(context.Background(), func(context.Context, []byte) error {
		return errors.New("service unavailable")
	})

	assert.Equal(t, 1, q.Size())
}

func TestDrainDropsExpiredWithoutPublishing(t *testing.T) {
	dir := t.TempDir()
	q, err := NewQueue("test", dir, time.Hour, logrus.New())
	require.NoError(t, err)

	path := filepath.Join(dir, "evt-old")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o600))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	attempts := 0
	q.Drain(context.Background(), func(context.Context, []byte) error {
		attempts++
		return nil
	})

	assert.Zero(t, attempts, "expired items must not be published")
	assert.Zero(t, q.Size())
}

func TestDrainRespectsContextCancel(t *testing.T) {
	q := newTestQueue(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Persist([]byte("x")))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	uploaded := 0
	q.Drain(ctx, func(context.Context, []byte) error {
		uploaded++
		return nil
	})

	assert.Zero(t, uploaded)
	assert.Equal(t, 10, q.Size())
}

func TestIsPermanentIOError(t *testing.T) {
	assert.True(t, isPermanentIOError(&os.PathError{Op: "read", Path: "x", Err: syscall.EACCES}))
	assert.True(t, isPermanentIOError(&os.PathError{Op: "read", Path: "x", Err: syscall.EIO}))
	assert.False(t, isPermanentIOError(&os.PathError{Op: "read", Path: "x", Err: syscall.EAGAIN}))
	assert.False(t, isPermanentIOError(errors.New("not an errno")))
}
