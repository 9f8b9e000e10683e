package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil is success", nil, Success},
		{"bad request is permanent", &StatusError{Status: 400, Op: "insert"}, Permanent},
		{"forbidden is permanent", &StatusError{Status: 403, Op: "insert"}, Permanent},
		{"not found is permanent", &StatusError{Status: 404, Op: "insert"}, Permanent},
		{"conflict", &StatusError{Status: 409, Op: "insert"}, Conflict},
		{"server error retries", &StatusError{Status: 503, Op: "insert"}, Retryable},
		{"throttled retries", &StatusError{Status: 429, Op: "insert"}, Retryable},
		{"plain error retries", errors.New("connection reset"), Retryable},
		{"wrapped status", fmt.Errorf("upload: %w", &StatusError{Status: 403, Op: "x"}), Permanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestFromString(t *testing.T) {
	assert.Equal(t, XTable, FromString("Central"))
	assert.Equal(t, XTable, FromString("xtable"))
	assert.Equal(t, XJsonBlob, FromString("JsonBlob"))
	assert.Equal(t, XJsonBlob, FromString("CentralJson"))
	assert.Equal(t, Local, FromString("local"))
	assert.Equal(t, File, FromString("file"))
	assert.Equal(t, None, FromString("bogus"))
}

type countingFactory struct{ tables, blobs int }

func (f *countingFactory) Table(string) (TableClient, error) {
	f.tables++
	return nil, errors.New("unavailable")
}

func (f *countingFactory) Blob(string) (BlobClient, error) {
	f.blobs++
	return nil, errors.New("unavailable")
}

func TestHelperDoesNotCacheFailures(t *testing.T) {
	f := &countingFactory{}
	h := NewHelper(f)

	_, err := h.Table("conn")
	assert.Error(t, err)
	_, err = h.Table("conn")
	assert.Error(t, err)
	assert.Equal(t, 2, f.tables, "failed constructions are retried, not cached")
}
