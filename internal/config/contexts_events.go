package config

import (
	"fmt"
	"strconv"
	"time"

	"mdsagent/internal/creds"
	"mdsagent/internal/derived"
	"mdsagent/internal/omi"
	"mdsagent/internal/pipeline"
	"mdsagent/internal/resource"
	"mdsagent/internal/sinks"
	"mdsagent/internal/store"
	"mdsagent/pkg/schemas"
	"mdsagent/pkg/types"
)

// stageWrap defers stage construction until the chain's tail exists;
// the builders fold right so declaration order matches execution order.
type stageWrap func(next pipeline.Stage) pipeline.Stage

// buildPipeline assembles Identity → middle stages → BuildSchema →
// BatchWriter for a target, mirroring the stage order every event kind
// shares.
func (c *AgentConfig) buildPipeline(target creds.EntityName, intervalSec int64, middle []stageWrap) (pipeline.Stage, error) {
	st := target.StoreType()
	b := c.GetBatch(target, intervalSec)
	if b == nil {
		return nil, fmt.Errorf("no batch available for target %s", target.Name())
	}

	var head pipeline.Stage = pipeline.NewBatchWriter(b, c.identity, c.pcount, st)
	if store.DoSchemaGeneration(st) && !target.IsSchemasTable() {
		head = pipeline.NewBuildSchema(target, true, c.SchemasTableBatch(target), c.agentIdentity, head)
	}
	for i := len(middle) - 1; i >= 0; i-- {
		head = middle[i](head)
	}
	if store.DoAddIdentityColumns(st) {
		// Centrally-stored rows carry the identity columns plus any
		// envelope fields the config declared.
		cols := make([]types.Column, 0, len(c.identity)+len(c.envelope))
		cols = append(cols, c.identity...)
		cols = append(cols, c.envelope...)
		head = pipeline.NewIdentity(cols, head)
	}
	return head, nil
}

// priorityDuration maps the priority attribute to its query interval.
var priorityDuration = map[string]time.Duration{
	"Highest": 60 * time.Second,
	"High":    120 * time.Second,
	"Normal":  300 * time.Second,
	"Low":     900 * time.Second,
}

const defaultPriorityInterval = 300 * time.Second

////////////////// Events

type eventsContext struct {
	parser *Parser
}

func (c *eventsContext) name() string { return "Events" }

func (c *eventsContext) child(elem string, a attrs) parseCtx {
	p := c.parser
	switch elem {
	case "OMI":
		return &omiContext{parser: p}
	case "MdsdEvents":
		return &mdsdEventsContext{parser: p}
	case "DerivedEvents":
		return &derivedEventsContext{parser: p}
	case "HeartBeats":
		return &heartBeatsContext{parser: p}
	case "EtwProviders", "Extensions":
		return &errorSwallowInfoContext{parser: p, element: elem}
	}
	return nil
}

func (c *eventsContext) body(string) {}
func (c *eventsContext) leave()      {}

// eventAttrs is the attribute set shared by the event elements.
type eventAttrs struct {
	eventName  string
	account    string
	source     string
	storeType  store.Type
	noPerNDay  bool
	isFullName bool
	interval   time.Duration
	duration   string // raw ISO 8601 duration
	ok         bool
}

// parseEventAttrs consumes the common attributes, leaving anything in
// extra for the caller and warning about the rest.
func parseEventAttrs(p *Parser, element string, a attrs, extra func(key, value string) bool) eventAttrs {
	ev := eventAttrs{storeType: store.XTable, interval: defaultPriorityInterval, ok: true}

	for key, value := range a {
		switch key {
		case "eventName":
			ev.eventName = value
		case "account":
			ev.account = value
		case "source":
			ev.source = value
		case "priority":
			if d, ok := priorityDuration[value]; ok {
				ev.interval = d
			} else {
				p.diag(Warning, element, "Ignoring unknown priority %q", value)
			}
		case "duration":
			d := parseDurationAttr(value)
			if d <= 0 {
				p.diag(Error, element, "Invalid duration attribute")
				ev.ok = false
			} else {
				ev.interval = d
				ev.duration = value
			}
		case "dontUsePerNDayTable":
			ev.noPerNDay = toBool(value)
		case "isFullName":
			ev.isFullName = toBool(value)
		case "storeType":
			t := store.FromString(value)
			if t == store.None {
				p.diag(Error, element, "Unknown storeType %q", value)
				ev.ok = false
			} else {
				ev.storeType = t
			}
		default:
			if extra == nil || !extra(key, value) {
				p.diag(Warning, element, "Ignoring unexpected attribute %q", key)
			}
		}
	}

	if ev.eventName == "" {
		p.diag(Error, element, "Missing required eventName attribute")
		ev.ok = false
	}
	return ev
}

// parseDurationAttr accepts ISO 8601 durations; zero means invalid.
func parseDurationAttr(s string) time.Duration {
	tv := types.ParseDuration(s)
	return time.Duration(tv.Sec) * time.Second
}

////////////////// OMI

type omiContext struct {
	parser *Parser
}

func (c *omiContext) name() string { return "OMI" }

func (c *omiContext) child(elem string, a attrs) parseCtx {
	if elem == "OMIQuery" {
		return newOMIQueryContext(c.parser, a)
	}
	return nil
}

func (c *omiContext) body(string) {}
func (c *omiContext) leave()      {}

type omiQueryContext struct {
	parser *Parser

	ev           eventAttrs
	omiNamespace string
	cqlQuery     string
	middle       []stageWrap
	broken       bool
}

func newOMIQueryContext(p *Parser, a attrs) *omiQueryContext {
	c := &omiQueryContext{parser: p}
	var sampleRate time.Duration
	c.ev = parseEventAttrs(p, "OMIQuery", a, func(key, value string) bool {
		switch key {
		case "omiNamespace":
			c.omiNamespace = value
			return true
		case "cqlQuery":
			c.cqlQuery = value
			return true
		case "sampleRateInSeconds":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				p.diag(Error, "OMIQuery", "Invalid sampleRateInSeconds attribute - using default")
			} else {
				sampleRate = time.Duration(n) * time.Second
			}
			return true
		}
		return false
	})
	if sampleRate > 0 {
		c.ev.interval = sampleRate
	}

	if c.omiNamespace == "" || c.cqlQuery == "" {
		p.diag(Error, "OMIQuery", "omiNamespace and cqlQuery are required")
		c.broken = true
	}
	if !c.ev.ok {
		c.broken = true
	}
	return c
}

func (c *omiQueryContext) name() string { return "OMIQuery" }

func (c *omiQueryContext) child(elem string, a attrs) parseCtx {
	if c.broken {
		return &errorContext{parser: c.parser}
	}
	if elem == "Unpivot" {
		return newUnpivotContext(c.parser, a, &c.middle)
	}
	return nil
}

func (c *omiQueryContext) body(string) {}

func (c *omiQueryContext) leave() {
	if c.broken {
		return
	}
	p := c.parser
	cfg := p.config

	target, err := creds.NewEntityName(c.ev.eventName, c.ev.noPerNDay, cfg.Naming(),
		cfg.GetCredentials(c.ev.account), c.ev.storeType, c.ev.isFullName)
	if err != nil {
		p.diag(Error, "OMIQuery", "%v", err)
		return
	}

	head, err := cfg.buildPipeline(target, int64(c.ev.interval/time.Second), c.middle)
	if err != nil {
		p.diag(Error, "OMIQuery", "Configuration error(s) detected; dropping this OMIQuery: %v", err)
		return
	}

	query := omi.Query{
		Namespace: c.omiNamespace,
		CQL:       c.cqlQuery,
		SchemaID:  schemas.Global().AllocateID(),
	}
	if cfg.runtime.OMI == nil {
		p.diag(Error, "OMIQuery", "no OMI connector available; dropping this OMIQuery")
		return
	}
	cfg.AddTask(omi.NewTask(query, c.ev.interval, cfg.runtime.OMI, head, cfg.logger))
}

////////////////// MdsdEvents

type mdsdEventsContext struct {
	parser *Parser
}

func (c *mdsdEventsContext) name() string { return "MdsdEvents" }

func (c *mdsdEventsContext) child(elem string, a attrs) parseCtx {
	if elem == "MdsdEventSource" {
		return newMdsdEventSourceContext(c.parser, a)
	}
	return nil
}

func (c *mdsdEventsContext) body(string) {}
func (c *mdsdEventsContext) leave()      {}

type mdsdEventSourceContext struct {
	parser *Parser
	source string
}

func newMdsdEventSourceContext(p *Parser, a attrs) *mdsdEventSourceContext {
	warnUnknownAttrs(p, "MdsdEventSource", a, "source")
	c := &mdsdEventSourceContext{parser: p, source: a["source"]}

	if c.source == "" {
		p.diag(Error, "MdsdEventSource", "Missing required source attribute")
		return c
	}
	if !p.config.HasSource(c.source) {
		p.diag(Error, "MdsdEventSource", "Undefined source %q", c.source)
		c.source = ""
	}
	return c
}

func (c *mdsdEventSourceContext) name() string { return "MdsdEventSource" }

func (c *mdsdEventSourceContext) child(elem string, a attrs) parseCtx {
	if c.source == "" {
		return &errorContext{parser: c.parser}
	}
	if elem == "RouteEvent" {
		return newRouteEventContext(c.parser, c.source, a)
	}
	return nil
}

func (c *mdsdEventSourceContext) body(string) {}
func (c *mdsdEventSourceContext) leave()      {}

type routeEventContext struct {
	parser *Parser
	source string
	ev     eventAttrs
}

func newRouteEventContext(p *Parser, source string, a attrs) *routeEventContext {
	c := &routeEventContext{parser: p, source: source}
	c.ev = parseEventAttrs(p, "RouteEvent", a, nil)
	return c
}

func (c *routeEventContext) name() string { return "RouteEvent" }

func (c *routeEventContext) child(elem string, a attrs) parseCtx {
	if elem == "Filter" {
		// Recognized for compatibility; filters are not applied.
		return &errorSwallowInfoContext{parser: c.parser, element: "Filter"}
	}
	return nil
}

func (c *routeEventContext) body(string) {}

// leave builds the subscription: a periodic task replaying the source
// sink's just-closed window into the pipeline.
func (c *routeEventContext) leave() {
	if !c.ev.ok {
		return
	}
	p := c.parser
	cfg := p.config

	target, err := creds.NewEntityName(c.ev.eventName, c.ev.noPerNDay, cfg.Naming(),
		cfg.GetCredentials(c.ev.account), c.ev.storeType, c.ev.isFullName)
	if err != nil {
		p.diag(Error, "RouteEvent", "%v", err)
		return
	}

	head, err := cfg.buildPipeline(target, int64(c.ev.interval/time.Second), nil)
	if err != nil {
		p.diag(Error, "RouteEvent", "Unable to create routing for this event: %v", err)
		return
	}

	def := cfg.sources[c.source]
	cfg.AddTask(derived.NewTask(c.ev.eventName, def.Sink, head, c.ev.interval, cfg.logger))
	if c.ev.duration != "" {
		cfg.durations[c.ev.eventName] = c.ev.duration
	}
}

////////////////// DerivedEvents

type derivedEventsContext struct {
	parser *Parser
}

func (c *derivedEventsContext) name() string { return "DerivedEvents" }

func (c *derivedEventsContext) child(elem string, a attrs) parseCtx {
	if elem == "DerivedEvent" {
		return newDerivedEventContext(c.parser, a)
	}
	return nil
}

func (c *derivedEventsContext) body(string) {}
func (c *derivedEventsContext) leave()      {}

type derivedEventContext struct {
	parser *Parser

	ev     eventAttrs
	middle []stageWrap
	broken bool
}

func newDerivedEventContext(p *Parser, a attrs) *derivedEventContext {
	c := &derivedEventContext{parser: p}
	c.ev = parseEventAttrs(p, "DerivedEvent", a, nil)

	if c.ev.duration == "" {
		p.diag(Error, "DerivedEvent", "The duration attribute is required")
		c.broken = true
	}
	if c.ev.source == "" {
		p.diag(Error, "DerivedEvent", "The source attribute is required")
		c.broken = true
	}
	if !c.ev.ok {
		c.broken = true
	}
	return c
}

func (c *derivedEventContext) name() string { return "DerivedEvent" }

func (c *derivedEventContext) child(elem string, a attrs) parseCtx {
	if c.broken {
		return &errorContext{parser: c.parser}
	}
	if elem == "LADQuery" {
		return newLADQueryContext(c.parser, a, &c.middle)
	}
	return nil
}

func (c *derivedEventContext) body(string) {}

func (c *derivedEventContext) leave() {
	if c.broken {
		return
	}
	p := c.parser
	cfg := p.config

	sink := cfg.lookupDerivedSource(c.ev.source)
	if sink == nil {
		p.diag(Error, "DerivedEvent", "Undefined source %q", c.ev.source)
		return
	}

	target, err := creds.NewEntityName(c.ev.eventName, c.ev.noPerNDay, cfg.Naming(),
		cfg.GetCredentials(c.ev.account), c.ev.storeType, c.ev.isFullName)
	if err != nil {
		p.diag(Error, "DerivedEvent", "%v", err)
		return
	}

	head, err := cfg.buildPipeline(target, int64(c.ev.interval/time.Second), c.middle)
	if err != nil {
		p.diag(Error, "DerivedEvent", "Configuration error(s) detected; dropping this DerivedEvent: %v", err)
		return
	}

	cfg.AddTask(derived.NewTask(c.ev.eventName, sink, head, c.ev.interval, cfg.logger))
	cfg.durations[c.ev.eventName] = c.ev.duration
}

////////////////// HeartBeats

type heartBeatsContext struct {
	parser *Parser
}

func (c *heartBeatsContext) name() string { return "HeartBeats" }

func (c *heartBeatsContext) child(elem string, a attrs) parseCtx {
	if elem == "HeartBeat" {
		return newHeartBeatContext(c.parser, a)
	}
	return nil
}

func (c *heartBeatsContext) body(string) {}
func (c *heartBeatsContext) leave()      {}

type heartBeatContext struct {
	parser *Parser
	ev     eventAttrs
}

func newHeartBeatContext(p *Parser, a attrs) *heartBeatContext {
	c := &heartBeatContext{parser: p}
	c.ev = parseEventAttrs(p, "HeartBeat", a, nil)
	return c
}

func (c *heartBeatContext) name() string                { return "HeartBeat" }
func (c *heartBeatContext) child(string, attrs) parseCtx { return nil }
func (c *heartBeatContext) body(string)                 {}

func (c *heartBeatContext) leave() {
	if !c.ev.ok {
		return
	}
	p := c.parser
	cfg := p.config

	target, err := creds.NewEntityName(c.ev.eventName, c.ev.noPerNDay, cfg.Naming(),
		cfg.GetCredentials(c.ev.account), c.ev.storeType, c.ev.isFullName)
	if err != nil {
		p.diag(Error, "HeartBeat", "%v", err)
		return
	}
	head, err := cfg.buildPipeline(target, int64(c.ev.interval/time.Second), nil)
	if err != nil {
		p.diag(Error, "HeartBeat", "Dropping this HeartBeat: %v", err)
		return
	}
	cfg.AddTask(derived.NewHeartbeat(c.ev.eventName, head, c.ev.interval, cfg.logger))
}

////////////////// Unpivot / MapName / LADQuery

type unpivotContext struct {
	parser *Parser
	middle *[]stageWrap

	valueAttrName string
	nameAttrName  string
	columns       string
	transforms    map[string]pipeline.ColumnTransform
	broken        bool
}

func newUnpivotContext(p *Parser, a attrs, middle *[]stageWrap) *unpivotContext {
	c := &unpivotContext{parser: p, middle: middle, transforms: make(map[string]pipeline.ColumnTransform)}
	for key, value := range a {
		switch key {
		case "columnValue":
			c.valueAttrName = value
		case "columnName":
			c.nameAttrName = value
		case "columns":
			c.columns = value
		default:
			p.diag(Warning, "Unpivot", "Ignoring unexpected attribute %q", key)
		}
	}
	if c.valueAttrName == "" || c.nameAttrName == "" || c.columns == "" {
		p.diag(Error, "Unpivot", "Missing one or more required attributes (columnValue, columnName, columns)")
		c.broken = true
	}
	return c
}

func (c *unpivotContext) name() string { return "Unpivot" }

func (c *unpivotContext) child(elem string, a attrs) parseCtx {
	if c.broken {
		return &errorContext{parser: c.parser}
	}
	if elem == "MapName" {
		return newMapNameContext(c.parser, c, a)
	}
	return nil
}

func (c *unpivotContext) body(string) {}

func (c *unpivotContext) leave() {
	if c.broken {
		return
	}
	valueName, nameName, columns := c.valueAttrName, c.nameAttrName, c.columns
	transforms := c.transforms
	logger := c.parser.config.logger
	p := c.parser

	*c.middle = append(*c.middle, func(next pipeline.Stage) pipeline.Stage {
		stage, err := pipeline.NewUnpivot(valueName, nameName, columns, transforms, next, logger)
		if err != nil {
			p.diag(Error, "Unpivot", "%v", err)
			return next
		}
		return stage
	})
}

type mapNameContext struct {
	parser *Parser
	parent *unpivotContext

	from   string
	to     string
	scale  float64
	broken bool
}

func newMapNameContext(p *Parser, parent *unpivotContext, a attrs) *mapNameContext {
	c := &mapNameContext{parser: p, parent: parent, scale: 1.0}
	for key, value := range a {
		switch key {
		case "name":
			c.from = value
		case "scaleUp":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil || f == 0 {
				p.diag(Error, "MapName", "invalid scaleUp %q", value)
				c.broken = true
			} else {
				c.scale *= f
			}
		case "scaleDown":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil || f == 0 {
				p.diag(Error, "MapName", "invalid scaleDown %q", value)
				c.broken = true
			} else {
				c.scale /= f
			}
		default:
			p.diag(Warning, "MapName", "Ignoring unexpected attribute %q", key)
		}
	}
	if c.from == "" {
		p.diag(Error, "MapName", "Missing required %q attribute", "name")
		c.broken = true
	}
	return c
}

func (c *mapNameContext) name() string                { return "MapName" }
func (c *mapNameContext) child(string, attrs) parseCtx { return nil }

func (c *mapNameContext) body(text string) {
	if !c.broken {
		c.to += text
	}
}

func (c *mapNameContext) leave() {
	if c.broken {
		return
	}
	if c.to == "" {
		c.to = c.from
	}
	c.parent.transforms[c.from] = pipeline.ColumnTransform{Name: c.to, Scale: c.scale}
}

type ladQueryContext struct {
	parser *Parser
}

func newLADQueryContext(p *Parser, a attrs, middle *[]stageWrap) *ladQueryContext {
	var valueAttrName, nameAttrName, partitionKey, uuid string
	for key, value := range a {
		switch key {
		case "columnValue":
			valueAttrName = value
		case "columnName":
			nameAttrName = value
		case "partitionKey":
			partitionKey = value
		case "instanceID":
			uuid = value
		default:
			p.diag(Warning, "LADQuery", "Ignoring unexpected attribute %q", key)
		}
	}
	if valueAttrName == "" || nameAttrName == "" || partitionKey == "" {
		p.diag(Error, "LADQuery", "Missing one or more required attributes (columnValue, columnName, partitionKey)")
		return &ladQueryContext{parser: p}
	}

	logger := p.config.logger
	*middle = append(*middle, func(next pipeline.Stage) pipeline.Stage {
		return pipeline.NewLADQuery(valueAttrName, nameAttrName, partitionKey, uuid, next, logger)
	})
	return &ladQueryContext{parser: p}
}

func (c *ladQueryContext) name() string                { return "LADQuery" }
func (c *ladQueryContext) child(string, attrs) parseCtx { return nil }
func (c *ladQueryContext) body(string)                 {}
func (c *ladQueryContext) leave()                      {}

// lookupDerivedSource finds the local sink a derived event reads from:
// a declared source or any already-registered local event name (a
// Local-routed event can itself feed a derived event).
func (c *AgentConfig) lookupDerivedSource(source string) *sinks.LocalSink {
	if def, ok := c.sources[source]; ok && def.Sink != nil {
		return def.Sink
	}
	return sinks.LookupLocalSink(source)
}

// finishResourceUsage wires the AgentResourceUsage task once parsing
// has finished (it needs the identity columns, parsed later than
// <Management>).
func (c *AgentConfig) finishResourceUsage() {
	if !c.wantResourceUsage {
		return
	}
	rate := c.resourceSampleRate
	if rate <= 0 {
		rate = 60 * time.Second
	}
	target, err := creds.NewEntityName("AgentResourceUsage", true, c.Naming(), nil, store.Local, false)
	if err != nil {
		c.Diags.Add(Error, "AgentResourceUsage", err.Error())
		return
	}
	head, err := c.buildPipeline(target, int64(rate/time.Second), nil)
	if err != nil {
		c.Diags.Add(Error, "AgentResourceUsage", err.Error())
		return
	}
	task, err := resource.NewTask(head, rate, c.logger)
	if err != nil {
		c.Diags.Add(Error, "AgentResourceUsage", err.Error())
		return
	}
	c.AddTask(task)
}
