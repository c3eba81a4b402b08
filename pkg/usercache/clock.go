package usercache

import (
	"math"
	"sync"
	"time"
)

// stamper issues strictly increasing millisecond timestamps. Wall-clock time
// is used when it is ahead of everything issued or observed so far;
// otherwise the previous stamp is bumped by one.
type stamper struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

func newStamper(now func() time.Time) *stamper {
	return &stamper{now: now}
}

// next returns a stamp greater than every previous stamp and at least floor.
// Stamps saturate at math.MaxInt64 instead of wrapping.
func (s *stamper) next(floor int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now().UnixMilli()
	if ts <= s.last {
		ts = after(s.last)
	}
	if ts < floor {
		ts = floor
	}
	s.last = ts
	return ts
}

// observe records externally supplied timestamps so later stamps sort after
// them.
func (s *stamper) observe(ts ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range ts {
		if t > s.last {
			s.last = t
		}
	}
}

// after is ts+1, saturating at math.MaxInt64.
func after(ts int64) int64 {
	if ts == math.MaxInt64 {
		return ts
	}
	return ts + 1
}
