// Package ingest accepts framed telemetry from local producers over two
// wire protocols: a JSON protocol (decimal size line + JSON array) and
// a binary protocol (length-prefixed varint-encoded record). Both share
// the source table, per-connection schema translation, and duplicate
// suppression.
package ingest

import (
	"context"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"mdsagent/internal/metrics"
	"mdsagent/pkg/deduplication"
	"mdsagent/pkg/schemas"
	"mdsagent/pkg/types"
)

// Result codes acknowledged per message.
const (
	AckSuccess uint32 = iota
	AckInvalidSource
	AckDuplicateSchemaID
	AckUnknownSchemaID
	AckDecodeError
)

// MaxMessageSize bounds one framed message; an oversize declaration
// disconnects the producer.
const MaxMessageSize = 1 << 20

// Router delivers accepted rows into the active configuration's graph.
type Router interface {
	// HasSource reports whether the source name is configured.
	HasSource(source string) bool
	// StaticSchemaID returns the declared schema id for static-schema
	// sources, or 0 for dynamic ones.
	StaticSchemaID(source string) uint64
	// Route hands an accepted row to the source's sinks and pipelines.
	Route(source string, row *types.Row)
}

// Server accepts connections for one protocol on one listener.
type Server struct {
	protocol   string // "json" or "binary"
	router     Router
	suppressor *deduplication.Suppressor
	logger     *logrus.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
}

// NewServer builds a server; Serve starts accepting.
func NewServer(protocol string, router Router, suppressor *deduplication.Suppressor, logger *logrus.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		protocol:   protocol,
		router:     router,
		suppressor: suppressor,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections until Stop. One goroutine per connection;
// connections share no mutable state beyond the router and suppressor.
func (s *Server) Serve(l net.Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					s.logger.WithError(err).WithField("protocol", s.protocol).Warn("Accept failed")
					return
				}
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handle(conn)
			}()
		}
	}()
}

// Stop closes the listener and every live connection, then waits for
// the handlers to drain.
func (s *Server) Stop() {
	s.cancel()
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) handle(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	metrics.IngestConnections.WithLabelValues(s.protocol).Inc()
	defer metrics.IngestConnections.WithLabelValues(s.protocol).Dec()

	session := newSession(s.router, s.suppressor, s.logger, s.protocol)
	switch s.protocol {
	case "json":
		serveJSON(s.ctx, conn, session, s.logger)
	default:
		serveBinary(s.ctx, conn, session, s.logger)
	}
}

// session is the per-connection decode state: the translation from
// protocol-local schema ids to process-wide cache ids.
type session struct {
	router     Router
	suppressor *deduplication.Suppressor
	logger     *logrus.Logger
	protocol   string

	// local schema id -> canonical descriptor
	schemaByLocalID map[uint64]*schemas.Descriptor
}

func newSession(router Router, suppressor *deduplication.Suppressor, logger *logrus.Logger, protocol string) *session {
	return &session{
		router:          router,
		suppressor:      suppressor,
		logger:          logger,
		protocol:        protocol,
		schemaByLocalID: make(map[uint64]*schemas.Descriptor),
	}
}

// register maps a protocol-local schema id to the process-wide
// descriptor; identical schemas across connections collapse onto one
// descriptor via the canonical-key hash. A second schemaDef for a live
// local id is refused outright, even when its content matches the
// first.
func (c *session) register(localID uint64, schema schemas.Schema) uint32 {
	if _, ok := c.schemaByLocalID[localID]; ok {
		return AckDuplicateSchemaID
	}
	c.schemaByLocalID[localID] = schemas.Global().GetOrAdd(schemas.Bond, schema)
	return AckSuccess
}

// resolve returns the descriptor registered for a local schema id.
func (c *session) resolve(localID uint64) (*schemas.Descriptor, bool) {
	d, ok := c.schemaByLocalID[localID]
	return d, ok
}

// accept performs the shared post-decode checks and routes the row.
// dynamicSchema marks messages that carried their own schema; sources
// declared with a static schema refuse those.
func (c *session) accept(source string, row *types.Row, dynamicSchema bool) uint32 {
	if !c.router.HasSource(source) {
		metrics.RecordRowDropped(source, "invalid_source")
		return AckInvalidSource
	}
	if dynamicSchema && c.router.StaticSchemaID(source) != 0 {
		metrics.RecordRowDropped(source, "static_schema_violation")
		return AckInvalidSource
	}
	if c.suppressor != nil && c.suppressor.IsDuplicate(source, row) {
		// Suppressed duplicates are acknowledged as delivered.
		metrics.RecordRowDropped(source, "duplicate")
		return AckSuccess
	}
	c.router.Route(source, row)
	metrics.RecordRowIngested(source, c.protocol)
	return AckSuccess
}

// buildRow materializes the decoded values against a schema. The
// timestamp column, when declared, sets the row time and is kept as a
// data column too; reserved metadata names are filtered.
func buildRow(desc *schemas.Descriptor, values []*types.Value) *types.Row {
	row := types.NewRow(len(values))
	row.SchemaID = desc.ID
	row.Origin = types.Ingested
	row.Timestamp = types.Now()

	for i, v := range values {
		name := desc.Schema.Columns[i].Name
		if desc.Schema.TimestampIndex == i && v.Kind() == types.KindTime {
			row.Timestamp = v.Time()
		}
		row.AddColumnIgnoreMetadata(name, v)
	}
	return row
}
