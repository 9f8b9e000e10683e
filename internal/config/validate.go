package config

import (
	"fmt"

	"mdsagent/internal/sinks"
)

// Validate judges the parsed graph. Fatal diagnostics always reject;
// error diagnostics reject on reload but are tolerated for the startup
// config, which is allowed to limp so a bad push cannot brick a fleet.
func (c *AgentConfig) Validate() error {
	c.finishResourceUsage()

	autoKeyAvailable := c.runtime.Settings != nil && c.runtime.Settings.Config.CommandSAS != ""

	for eventName, ann := range c.annotations {
		// Every publisher needs a key source: embedded, service-bus
		// account, or autokey delivery via the command blob.
		if ann.Key == "" && c.serviceBus[ann.Moniker] == "" && !autoKeyAvailable {
			c.Diags.Add(Error, "EventStreamingAnnotation",
				fmt.Sprintf("publisher %q for event %q has no SAS key source", ann.Moniker, eventName))
		}
		// Every annotated event must resolve to a local sink.
		if !c.HasSource(eventName) && sinks.LookupLocalSink(eventName) == nil {
			c.Diags.Add(Error, "EventStreamingAnnotation",
				fmt.Sprintf("annotated event %q resolves to no local sink", eventName))
		}
	}

	if c.defaultMoniker == "" && len(c.accounts) == 0 {
		c.Diags.Add(Info, "Accounts", "no storage accounts defined; remote destinations are unavailable")
	}

	if n := c.Diags.Count(Fatal); n > 0 {
		return fmt.Errorf("configuration rejected: %d fatal diagnostic(s)", n)
	}
	if n := c.Diags.Count(Error); n > 0 && !c.isStartup {
		return fmt.Errorf("configuration rejected on reload: %d error diagnostic(s)", n)
	}
	return nil
}
