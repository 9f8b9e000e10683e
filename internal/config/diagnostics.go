package config

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Severity grades a configuration diagnostic. Parsing never aborts on
// its own: problems are collected and judged together after the parse.
type Severity uint8

const (
	Info Severity = iota
	Warning
	Error
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	}
	return "fatal"
}

// Diagnostic is one collected message, tagged with the element that
// produced it.
type Diagnostic struct {
	Severity Severity
	Element  string
	Message  string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("[%s] <%s> %s", d.Severity, d.Element, d.Message)
}

// Diagnostics accumulates messages across the parse and validation.
type Diagnostics struct {
	mu       sync.Mutex
	messages []Diagnostic
	counts   [4]int
}

// Add records one diagnostic.
func (d *Diagnostics) Add(sev Severity, element, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, Diagnostic{Severity: sev, Element: element, Message: message})
	d.counts[sev]++
}

// Count returns how many diagnostics of the severity were recorded.
func (d *Diagnostics) Count(sev Severity) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[sev]
}

// Messages returns a copy of everything recorded so far.
func (d *Diagnostics) Messages() []Diagnostic {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Diagnostic(nil), d.messages...)
}

// Emit writes all collected diagnostics through the logger at their
// mapped levels.
func (d *Diagnostics) Emit(logger *logrus.Logger) {
	for _, msg := range d.Messages() {
		entry := logger.WithFields(logrus.Fields{
			"component": "config",
			"element":   msg.Element,
		})
		switch msg.Severity {
		case Info:
			entry.Info(msg.Message)
		case Warning:
			entry.Warn(msg.Message)
		default:
			entry.Error(msg.Message)
		}
	}
}
