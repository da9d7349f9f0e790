package node

import (
	"sync"
	"time"

	"offerbook/core/events"
)

// Record is an emitted event as served to API clients.
type Record struct {
	Seq        uint64            `json:"seq"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	At         time.Time         `json:"at"`
}

// Feed retains the most recent events and fans them out to live subscribers.
// Slow subscribers miss events rather than block emission.
type Feed struct {
	mu      sync.Mutex
	limit   int
	recent  []Record
	seq     uint64
	subs    map[uint64]chan Record
	nextSub uint64
	dropped uint64
	now     func() time.Time
}

// NewFeed returns a feed keeping up to limit events.
func NewFeed(limit int) *Feed {
	if limit <= 0 {
		limit = 1024
	}
	return &Feed{limit: limit, subs: make(map[uint64]chan Record), now: time.Now}
}

// Emit implements events.Emitter.
func (f *Feed) Emit(evt events.Event) {
	if f == nil || evt == nil {
		return
	}
	payload := evt.Event()
	if payload == nil {
		return
	}
	payload = payload.Clone()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	rec := Record{Seq: f.seq, Type: payload.Type, Attributes: payload.Attributes, At: f.now().UTC()}
	f.recent = append(f.recent, rec)
	if over := len(f.recent) - f.limit; over > 0 {
		f.recent = append([]Record(nil), f.recent[over:]...)
	}
	for _, ch := range f.subs {
		select {
		case ch <- rec:
		default:
			f.dropped++
		}
	}
}

// Since returns up to limit retained events with a sequence above after.
func (f *Feed) Since(after uint64, limit int) []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []Record{}
	for _, rec := range f.recent {
		if rec.Seq <= after {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, rec)
	}
	return out
}

// Subscribe registers a live subscriber. The returned cancel function closes
// the channel.
func (f *Feed) Subscribe(buffer int) (<-chan Record, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Record, buffer)
	f.mu.Lock()
	f.nextSub++
	id := f.nextSub
	f.subs[id] = ch
	f.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped reports how many deliveries were skipped for slow subscribers.
func (f *Feed) Dropped() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}
