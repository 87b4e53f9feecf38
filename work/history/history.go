package history

import (
	"sort"
	"time"

	"github.com/maypok86/otter/v2"

	"audio-relay/work/logger"
	"audio-relay/work/worker"
)

// History keeps the results of recently finished sessions for the admin
// API. Entries are bounded by count and expire a fixed time after they
// were recorded.
type History struct {
	cache *otter.Cache[string, worker.Result]
}

// New creates a history holding at most size results for ttl.
func New(size int, ttl time.Duration) *History {
	if size <= 0 {
		size = 100
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &History{
		cache: otter.Must(&otter.Options[string, worker.Result]{
			MaximumSize:      size,
			ExpiryCalculator: otter.ExpiryWriting[string, worker.Result](ttl),
		}),
	}
}

// Record stores a finished session keyed by its id.
func (h *History) Record(res worker.Result) {
	if res.SessionID == "" {
		return
	}
	h.cache.Set(res.SessionID, res)
	logger.Debug("{history - Record} stored session %s (%s)", res.SessionID, res.Outcome)
}

// Get returns the result of one session.
func (h *History) Get(id string) (worker.Result, bool) {
	return h.cache.GetIfPresent(id)
}

// List returns all retained results, most recently ended first.
func (h *History) List() []worker.Result {
	out := make([]worker.Result, 0, h.cache.EstimatedSize())
	for _, res := range h.cache.All() {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EndedAt.After(out[j].EndedAt)
	})
	return out
}
