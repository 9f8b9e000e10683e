package sinks

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"mdsagent/internal/metrics"
	"mdsagent/internal/store"
	"mdsagent/pkg/types"
)

// FileSink appends rows to one line-oriented file per target, each row
// rendered as a JSON array. No retention, no retry.
type FileSink struct {
	path   string
	logger *logrus.Logger

	mu   sync.Mutex
	file *os.File
}

// NewFileSink builds a file sink writing to path. The file is opened
// lazily on first row.
func NewFileSink(path string, logger *logrus.Logger) *FileSink {
	return &FileSink{path: path, logger: logger}
}

// StoreType identifies this as a File destination.
func (s *FileSink) StoreType() store.Type { return store.File }

// AddRow appends one line: [timestamp, name, value, name, value, ...].
func (s *FileSink) AddRow(row *types.Row, _ types.TimeValue) {
	line := make([]interface{}, 0, 1+2*row.Len())
	line = append(line, row.Timestamp.String())
	for _, col := range row.Columns() {
		line = append(line, col.Name, renderValue(col.Value))
	}

	data, err := json.Marshal(line)
	if err != nil {
		s.logger.WithError(err).WithField("path", s.path).Warn("Failed to serialize row for file sink")
		metrics.RecordError("file_sink", "serialize")
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			s.logger.WithError(err).WithField("path", s.path).Error("Failed to create file sink directory")
			metrics.RecordError("file_sink", "mkdir")
			return
		}
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			s.logger.WithError(err).WithField("path", s.path).Error("Failed to open file sink")
			metrics.RecordError("file_sink", "open")
			return
		}
		s.file = f
	}
	if _, err := s.file.Write(data); err != nil {
		s.logger.WithError(err).WithField("path", s.path).Error("Failed to append to file sink")
		metrics.RecordError("file_sink", "write")
	}
}

// Flush syncs the file to disk.
func (s *FileSink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		_ = s.file.Sync()
	}
}

// Close releases the file handle.
func (s *FileSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
}

// renderValue keeps native JSON types where the wire has them.
func renderValue(v *types.Value) interface{} {
	switch v.Kind() {
	case types.KindBool:
		return v.Bool()
	case types.KindInt32, types.KindInt64:
		return v.Int()
	case types.KindDouble:
		return v.Double()
	default:
		return v.String()
	}
}
