package ingest

import (
	"bytes"
	"fmt"

	"mdsagent/pkg/varint"
)

// Thin wrappers over the shared base-128 codec keep the decode paths
// readable.

func readUvarint(r *bytes.Reader) (uint64, error) {
	return varint.ReadUint(r)
}

func readVarint(r *bytes.Reader) (int64, error) {
	return varint.ReadInt(r)
}

func readVarString(r *bytes.Reader) (string, error) {
	n, err := varint.ReadUint(r)
	if err != nil {
		return "", err
	}
	if n > uint64(r.Len()) {
		return "", fmt.Errorf("string length %d exceeds remaining %d bytes", n, r.Len())
	}
	raw := make([]byte, n)
	if _, err := r.Read(raw); err != nil {
		return "", err
	}
	return string(raw), nil
}

// appendVarString is the encode-side pair of readVarString; tests and
// producers share it.
func appendVarString(buf []byte, s string) []byte {
	buf = varint.AppendUint(buf, uint64(len(s)))
	return append(buf, s...)
}
