package core

// SinkStats are the self-check counters of one sink. For a DeliveryReporter, records
// accepted by Write and lost later are counted as Dropped, not Written.
type SinkStats struct {
	Name      string     `json:"name" yaml:"name"`
	Written   uint64     `json:"written" yaml:"written"`
	Dropped   uint64     `json:"dropped" yaml:"dropped"`
	LastError string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Health    SinkHealth `json:"-" yaml:"-"`
}

// Stats is a snapshot of a Core's health
type Stats struct {
	State State `json:"-" yaml:"-"`
	// Unconfigured counts Log calls made before the first Configure
	Unconfigured uint64 `json:"unconfigured" yaml:"unconfigured"`
	// PostShutdown counts Log calls made after Shutdown started
	PostShutdown uint64      `json:"post_shutdown" yaml:"post_shutdown"`
	Sinks        []SinkStats `json:"sinks" yaml:"sinks"`
}

// Dropped sums the dropped counters of every sink
func (s Stats) Dropped() uint64 {
	var total uint64
	for _, st := range s.Sinks {
		total += st.Dropped
	}
	return total
}

// Sink returns the stats of the sink called name
func (s Stats) Sink(name string) (SinkStats, bool) {
	for _, st := range s.Sinks {
		if st.Name == name {
			return st, true
		}
	}
	return SinkStats{}, false
}

// Stats returns the current counters. After Shutdown the sinks of the last configuration are reported.
func (c *Core) Stats() Stats {
	st := Stats{
		State:        c.State(),
		Unconfigured: c.unconfigured.Load(),
		PostShutdown: c.postShutdown.Load(),
	}

	var slots []*slot
	if cfg := c.acquire(); cfg != nil {
		slots = cfg.slots
		cfg.release()
	} else {
		c.mu.Lock()
		slots = c.final
		c.mu.Unlock()
	}

	for _, s := range slots {
		st.Sinks = append(st.Sinks, s.stats())
	}
	return st
}
