package command

import (
	"context"
	"encoding/xml"
	"fmt"

	"github.com/sirupsen/logrus"

	"mdsagent/internal/store"
)

// Parameter-table layouts for the two subscription verbs. The indices
// are fixed by the producer of the blob; deviation is an error.
var (
	eventHubIndices = struct{ event, sas, moniker, endpoint int }{6, 8, 10, 11}
	publisherIndex  = struct{ event, sas, moniker, endpoint int }{4, 5, 6, 7}
)

// HubCredential is one event-hub SAS delivered by the command blob.
type HubCredential struct {
	EventName string
	SasKey    string
	Moniker   string
	Endpoint  string
}

// FetchEventHubCommand downloads and parses the MACommandPub blob for
// this identity. The blob is read once at startup; a missing blob is
// not an error (the deployment may not publish to hubs at all).
func (s *Source) FetchEventHubCommand(ctx context.Context, suffix string) ([]HubCredential, error) {
	path := s.identity.Namespace + "/MACommandPub" + suffix + ".xml"
	data, err := s.blob.Download(ctx, path)
	if err != nil {
		if store.StatusOf(err) == 404 {
			return nil, nil
		}
		return nil, fmt.Errorf("download %s: %w", path, err)
	}
	return parseEventHubCommand(data, s.logger)
}

// parseEventHubCommand extracts hub credentials from both subscription
// verbs.
func parseEventHubCommand(data []byte, logger *logrus.Logger) ([]HubCredential, error) {
	var list commandList
	if err := xml.Unmarshal(data, &list); err != nil {
		return nil, err
	}

	var creds []HubCredential
	for _, cmd := range list.Commands {
		var idx struct{ event, sas, moniker, endpoint int }
		switch cmd.Verb {
		case "SubscribeToEventHubEvent":
			idx = eventHubIndices
		case "SubscribeToEventPublisherEvent":
			idx = publisherIndex
		default:
			continue
		}

		if len(cmd.Parameters) <= idx.endpoint {
			logger.WithFields(logrus.Fields{
				"verb":   cmd.Verb,
				"params": len(cmd.Parameters),
			}).Error("Subscription command has too few parameters; skipping")
			continue
		}
		creds = append(creds, HubCredential{
			EventName: cmd.Parameters[idx.event],
			SasKey:    cmd.Parameters[idx.sas],
			Moniker:   cmd.Parameters[idx.moniker],
			Endpoint:  cmd.Parameters[idx.endpoint],
		})
	}
	return creds, nil
}
