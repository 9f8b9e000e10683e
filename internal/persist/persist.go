// Package persist keeps failed uploads on disk until they can be
// retried. The layout is deliberately primitive: a flat directory, one
// regular file per serialized event, age encoded by mtime, no index.
package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"mdsagent/internal/metrics"
)

// DefaultKeep bounds how long a persisted event stays eligible for
// retry.
const DefaultKeep = 7 * 24 * time.Hour

// UploadFunc re-publishes one persisted event. A nil error unlinks the
// file; a retryable error leaves it for the next drain.
type UploadFunc func(ctx context.Context, data []byte) error

// Queue is one on-disk retry queue.
type Queue struct {
	name   string
	dir    string
	keep   time.Duration
	logger *logrus.Logger
}

// NewQueue builds a queue over dir, creating it if needed. keep of zero
// selects the seven-day default.
func NewQueue(name, dir string, keep time.Duration, logger *logrus.Logger) (*Queue, error) {
	if keep <= 0 {
		keep = DefaultKeep
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Queue{name: name, dir: dir, keep: keep, logger: logger}, nil
}

// Dir returns the queue directory.
func (q *Queue) Dir() string { return q.dir }

// Persist writes one serialized event to a unique file.
func (q *Queue) Persist(data []byte) error {
	f, err := os.CreateTemp(q.dir, "evt-*")
	if err != nil {
		return err
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(f.Name())
		if werr != nil {
			return werr
		}
		return cerr
	}
	metrics.PersistedEventsTotal.WithLabelValues(q.name).Inc()
	return nil
}

// Size counts the files currently queued.
func (q *Queue) Size() int {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.Type().IsRegular() {
			n++
		}
	}
	return n
}

// Drain re-uploads every eligible file. The file set is split into
// openFileLimit()/10 chains; chains run concurrently but each chain is
// sequential, which bounds simultaneous open files. Files older than
// the keep window are unlinked without a publish attempt; unrecoverable
// I/O errors also unlink.
func (q *Queue) Drain(ctx context.Context, upload UploadFunc) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		q.logger.WithError(err).WithField("dir", q.dir).Error("Failed to list retry queue")
		metrics.RecordError("persist", "list")
		return
	}

	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, filepath.Join(q.dir, e.Name()))
		}
	}
	metrics.PersistQueueDepth.WithLabelValues(q.name).Set(float64(len(files)))
	if len(files) == 0 {
		return
	}

	chains := openFileLimit() / 10
	if chains < 1 {
		chains = 1
	}
	if chains > len(files) {
		chains = len(files)
	}

	var wg sync.WaitGroup
	for i := 0; i < chains; i++ {
		wg.Add(1)
		go func(start int) {
			defer wg.Done()
			for j := start; j < len(files); j += chains {
				select {
				case <-ctx.Done():
					return
				default:
				}
				q.drainOne(ctx, files[j], upload)
			}
		}(i)
	}
	wg.Wait()

	metrics.PersistQueueDepth.WithLabelValues(q.name).Set(float64(q.Size()))
}

func (q *Queue) drainOne(ctx context.Context, path string, upload UploadFunc) {
	info, err := os.Stat(path)
	if err != nil {
		// Concurrently removed; nothing to do.
		return
	}
	if time.Since(info.ModTime()) > q.keep {
		q.logger.WithField("file", path).Info("Dropping expired retry item")
		_ = os.Remove(path)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if isPermanentIOError(err) {
			q.logger.WithError(err).WithField("file", path).Warn("Unrecoverable read error; dropping retry item")
			_ = os.Remove(path)
		} else {
			q.logger.WithError(err).WithField("file", path).Debug("Transient read error; keeping retry item")
		}
		metrics.RecordError("persist", "read")
		return
	}

	if err := upload(ctx, data); err != nil {
		q.logger.WithError(err).WithField("file", path).Debug("Re-upload failed; keeping retry item")
		return
	}
	_ = os.Remove(path)
}

// permanentErrnos are the I/O error kinds that can never succeed on
// retry.
var permanentErrnos = []syscall.Errno{
	syscall.EACCES,
	syscall.EISDIR,
	syscall.ELOOP,
	syscall.ENAMETOOLONG,
	syscall.ENOTDIR,
	syscall.EOVERFLOW,
	syscall.EIO,
}

func isPermanentIOError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	for _, p := range permanentErrnos {
		if errno == p {
			return true
		}
	}
	return false
}

// openFileLimit returns the soft RLIMIT_NOFILE, or a conservative
// fallback when the limit cannot be read.
func openFileLimit() int {
	var lim syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &lim); err != nil {
		return 256
	}
	return int(lim.Cur)
}
