// Package command reads the rooted control blobs that steer the agent
// remotely: MACommandCu.xml carrying configuration updates, and the
// MACommandPub blob carrying event-hub credentials. Updates are
// detected by last-modified-time races across the candidate paths, so
// polling never downloads content needlessly.
package command

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mdsagent/internal/store"
	"mdsagent/pkg/types"
)

const configCommandBlob = "MACommandCu.xml"

// Identity names the agent's place in the deployment hierarchy; it
// determines which candidate paths may carry commands for it.
type Identity struct {
	Namespace string
	Tenant    string
	Role      string
	Instance  string
}

// ConfigUpdate is the outcome of a successful update check.
type ConfigUpdate struct {
	XML []byte
	MD5 string
	LMT types.TimeValue
}

// Source polls one root container for command blobs.
type Source struct {
	blob     store.BlobClient
	identity Identity
	logger   *logrus.Logger
}

// NewSource builds a command source over the root-container client.
func NewSource(blob store.BlobClient, identity Identity, logger *logrus.Logger) *Source {
	return &Source{blob: blob, identity: identity, logger: logger}
}

// CandidatePaths lists the blob paths that may carry the config
// command, from least to most specific.
func (s *Source) CandidatePaths() []string {
	segments := []string{s.identity.Namespace}
	paths := []string{s.identity.Namespace + "/" + configCommandBlob}
	for _, part := range []string{s.identity.Tenant, s.identity.Role, s.identity.Instance} {
		if part == "" {
			break
		}
		segments = append(segments, part)
		paths = append(paths, strings.Join(segments, "/")+"/"+configCommandBlob)
	}
	return paths
}

// CheckForUpdate races LMT lookups across the candidates and, when a
// fresher command exists, downloads and verifies the referenced config.
// A nil update with nil error means there was nothing new.
func (s *Source) CheckForUpdate(ctx context.Context, lastSeenLMT types.TimeValue, lastMD5 string) (*ConfigUpdate, error) {
	path, lmt := s.freshestCandidate(ctx)
	if lmt.IsZero() {
		return nil, nil
	}
	if !lastSeenLMT.IsZero() && !lastSeenLMT.Before(lmt) {
		return nil, nil
	}

	data, err := s.blob.Download(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("download command blob %s: %w", path, err)
	}

	cmd, err := parseConfigCommand(data, s.logger)
	if err != nil {
		return nil, fmt.Errorf("parse command blob %s: %w", path, err)
	}

	configData, err := s.blob.Download(ctx, cmd.PathInStore)
	if err != nil {
		return nil, fmt.Errorf("download config blob %s: %w", cmd.PathInStore, err)
	}

	sum := md5.Sum(configData)
	gotMD5 := hex.EncodeToString(sum[:])
	if !strings.EqualFold(gotMD5, cmd.MD5Hex) {
		return nil, fmt.Errorf("config blob %s md5 mismatch: expected %s, got %s", cmd.PathInStore, cmd.MD5Hex, gotMD5)
	}

	if strings.EqualFold(gotMD5, lastMD5) {
		// Same config as the one already active.
		s.logger.WithField("md5", gotMD5).Debug("Command blob references the active configuration")
		return nil, nil
	}

	return &ConfigUpdate{XML: configData, MD5: gotMD5, LMT: lmt}, nil
}

// freshestCandidate issues all LMT lookups in parallel and returns the
// path with the greatest LMT. Not-found is not an error: most
// candidates will not exist.
func (s *Source) freshestCandidate(ctx context.Context) (string, types.TimeValue) {
	paths := s.CandidatePaths()
	lmts := make([]types.TimeValue, len(paths))

	lookupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i, path := range paths {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			lmt, err := s.blob.LastModified(lookupCtx, path)
			if err != nil {
				if store.StatusOf(err) != 404 {
					s.logger.WithError(err).WithField("path", path).Debug("LMT lookup failed")
				}
				return
			}
			lmts[i] = lmt
		}(i, path)
	}
	wg.Wait()

	var bestPath string
	var bestLMT types.TimeValue
	for i, lmt := range lmts {
		if bestLMT.Before(lmt) {
			bestLMT = lmt
			bestPath = paths[i]
		}
	}
	return bestPath, bestLMT
}

// Command-XML document shape.

type commandList struct {
	XMLName  xml.Name     `xml:"CommandList"`
	Commands []xmlCommand `xml:"Command"`
}

type xmlCommand struct {
	Verb       string   `xml:"Verb"`
	Parameters []string `xml:"Parameters>Parameter"`
}

// updateConfigCommand is one decoded UpdateConfig verb.
type updateConfigCommand struct {
	Flag        string
	MD5Hex      string
	PathInStore string
}

// parseConfigCommand extracts the UpdateConfig command. With multiple
// UpdateConfig verbs the last wins, with a warning.
func parseConfigCommand(data []byte, logger *logrus.Logger) (*updateConfigCommand, error) {
	var list commandList
	if err := xml.Unmarshal(data, &list); err != nil {
		// A bare <Command> root, without the list wrapper.
		var single xmlCommand
		if err2 := xml.Unmarshal(data, &single); err2 != nil {
			return nil, err
		}
		list.Commands = []xmlCommand{single}
	}

	var updates []xmlCommand
	for _, cmd := range list.Commands {
		if cmd.Verb == "UpdateConfig" {
			updates = append(updates, cmd)
		}
	}
	if len(updates) == 0 {
		return nil, fmt.Errorf("no UpdateConfig command present")
	}
	if len(updates) > 1 {
		logger.WithField("count", len(updates)).Warn("Multiple UpdateConfig commands; using the last")
	}

	chosen := updates[len(updates)-1]
	if len(chosen.Parameters) != 3 {
		return nil, fmt.Errorf("UpdateConfig expects 3 parameters, got %d", len(chosen.Parameters))
	}
	return &updateConfigCommand{
		Flag:        chosen.Parameters[0],
		MD5Hex:      chosen.Parameters[1],
		PathInStore: chosen.Parameters[2],
	}, nil
}
