package archive

import (
	"context"
	"sort"
	"sync"
	"time"

	"tgarchiver/internal/eventbus"
	"tgarchiver/pkg/logx"
)

// Counts tallies archive outcomes for one channel key.
type Counts struct {
	Saved     uint64
	Duplicate uint64
	Failed    uint64
}

// Stats aggregates archive events per channel key between reports.
type Stats struct {
	mu     sync.Mutex
	counts map[string]*Counts
	since  time.Time
}

func NewStats() *Stats {
	return &Stats{counts: map[string]*Counts{}, since: time.Now()}
}

// Observe records one bus event. Non-archive events are ignored.
func (s *Stats) Observe(e eventbus.Event) {
	d, ok := e.Data.(EventData)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counts[d.Key]
	if c == nil {
		c = &Counts{}
		s.counts[d.Key] = c
	}
	switch e.Type {
	case EventSaved:
		c.Saved++
	case EventDuplicate:
		c.Duplicate++
	case EventFailed:
		c.Failed++
	}
}

// Run observes events until ctx is done or events is closed.
func (s *Stats) Run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			s.Observe(e)
		}
	}
}

// Snapshot returns the current counts and the start of the window. When
// reset is true the counters start over.
func (s *Stats) Snapshot(reset bool) (map[string]Counts, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counts, len(s.counts))
	for k, c := range s.counts {
		out[k] = *c
	}
	since := s.since
	if reset {
		s.counts = map[string]*Counts{}
		s.since = time.Now()
	}
	return out, since
}

// Report logs one line per channel with activity since the last report,
// plus a total line, and resets the window.
func (s *Stats) Report(log logx.Logger) {
	snap, since := s.Snapshot(true)
	keys := make([]string, 0, len(snap))
	var total Counts
	for k, c := range snap {
		keys = append(keys, k)
		total.Saved += c.Saved
		total.Duplicate += c.Duplicate
		total.Failed += c.Failed
	}
	sort.Strings(keys)
	window := time.Since(since).Round(time.Second)
	for _, k := range keys {
		c := snap[k]
		log.Info("archive stats",
			logx.String("channel", k),
			logx.Uint64("saved", c.Saved),
			logx.Uint64("duplicate", c.Duplicate),
			logx.Uint64("failed", c.Failed),
		)
	}
	log.Info("archive stats total",
		logx.Int("channels", len(keys)),
		logx.Uint64("saved", total.Saved),
		logx.Uint64("duplicate", total.Duplicate),
		logx.Uint64("failed", total.Failed),
		logx.Duration("window", window),
	)
}
