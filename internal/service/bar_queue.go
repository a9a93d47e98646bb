package service

import (
	"sort"
	"sync"
	"time"

	"services/session-engine/internal/model"
)

// barQueue is one symbol's chronological stream of pending bars
type barQueue struct {
	symbol string
	bars   []model.Bar
	pos    int
}

func (q *barQueue) peek() (model.Bar, bool) {
	if q.pos >= len(q.bars) {
		return model.Bar{}, false
	}
	return q.bars[q.pos], true
}

func (q *barQueue) pop() (model.Bar, bool) {
	b, ok := q.peek()
	if ok {
		q.pos++
	}
	return b, ok
}

// QueueSet merges per-symbol bar queues chronologically for the coordinator.
// Queues are loaded up front in backtest mode and fed by Push in live mode.
type QueueSet struct {
	mu     sync.Mutex
	queues map[string]*barQueue
}

// NewQueueSet creates an empty queue set
func NewQueueSet() *QueueSet {
	return &QueueSet{queues: make(map[string]*barQueue)}
}

// Load replaces the queue for a symbol with a chronological bar sequence
func (s *QueueSet) Load(symbol string, bars []model.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := make([]model.Bar, len(bars))
	copy(seq, bars)
	sort.Slice(seq, func(i, j int) bool { return seq[i].Timestamp.Before(seq[j].Timestamp) })
	s.queues[symbol] = &barQueue{symbol: symbol, bars: seq}
}

// Push appends one bar to a symbol's queue (live feeds)
func (s *QueueSet) Push(bar model.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[bar.Symbol]
	if !ok {
		q = &barQueue{symbol: bar.Symbol}
		s.queues[bar.Symbol] = q
	}
	q.bars = append(q.bars, bar)
}

// NextTimestamp returns the minimum head timestamp across all non-empty
// queues. ok is false when every queue is drained.
func (s *QueueSet) NextTimestamp() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var min time.Time
	found := false
	for _, q := range s.queues {
		b, ok := q.peek()
		if !ok {
			continue
		}
		if !found || b.Timestamp.Before(min) {
			min = b.Timestamp
			found = true
		}
	}
	return min, found
}

// PopDue pops every bar whose timestamp equals ts, across all queues, in
// symbol order for determinism. Event-time batches: all items sharing the
// minimum timestamp are delivered together.
func (s *QueueSet) PopDue(ts time.Time) []model.Bar {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Bar
	for _, sym := range s.symbolsLocked() {
		q := s.queues[sym]
		for {
			b, ok := q.peek()
			if !ok || !b.Timestamp.Equal(ts) {
				break
			}
			q.pop()
			out = append(out, b)
		}
	}
	return out
}

// PopThrough pops every bar with timestamp at or before ts, across all
// queues, chronologically per symbol. Used by the paced loop.
func (s *QueueSet) PopThrough(ts time.Time) []model.Bar {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Bar
	for _, sym := range s.symbolsLocked() {
		q := s.queues[sym]
		for {
			b, ok := q.peek()
			if !ok || b.Timestamp.After(ts) {
				break
			}
			q.pop()
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Remaining returns the total number of pending bars
func (s *QueueSet) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, q := range s.queues {
		n += len(q.bars) - q.pos
	}
	return n
}

func (s *QueueSet) symbolsLocked() []string {
	syms := make([]string, 0, len(s.queues))
	for sym := range s.queues {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	return syms
}
