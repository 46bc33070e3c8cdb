package settlement

import (
	"math/rand"
	"sync"
	"time"
)

// Strategy decides how long a simulated settlement takes and whether it
// succeeds.
type Strategy interface {
	Delay() time.Duration
	Succeed() bool
}

// RandomStrategy draws a uniform delay in [min, max] and succeeds with
// probability rate.
type RandomStrategy struct {
	mu   sync.Mutex
	rnd  *rand.Rand
	min  time.Duration
	max  time.Duration
	rate float64
}

// NewRandomStrategy returns a RandomStrategy. A nil src seeds from the clock.
func NewRandomStrategy(min, max time.Duration, rate float64, src rand.Source) *RandomStrategy {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	if max < min {
		min, max = max, min
	}
	return &RandomStrategy{rnd: rand.New(src), min: min, max: max, rate: rate}
}

func (s *RandomStrategy) Delay() time.Duration {
	if s.max == s.min {
		return s.min
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.min + time.Duration(s.rnd.Int63n(int64(s.max-s.min)+1))
}

func (s *RandomStrategy) Succeed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64() < s.rate
}

// Fixed always waits Wait and always returns Success.
type Fixed struct {
	Wait    time.Duration
	Success bool
}

func (f Fixed) Delay() time.Duration { return f.Wait }
func (f Fixed) Succeed() bool        { return f.Success }

// Scripted replays a sequence of outcomes, repeating the last one once the
// sequence is exhausted. Use it to force a failure followed by a success.
type Scripted struct {
	Wait time.Duration

	mu       sync.Mutex
	outcomes []bool
	next     int
}

// NewScripted returns a Scripted strategy. With no outcomes it always succeeds.
func NewScripted(wait time.Duration, outcomes ...bool) *Scripted {
	return &Scripted{Wait: wait, outcomes: outcomes}
}

func (s *Scripted) Delay() time.Duration { return s.Wait }

func (s *Scripted) Succeed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outcomes) == 0 {
		return true
	}
	i := s.next
	if i >= len(s.outcomes) {
		i = len(s.outcomes) - 1
	} else {
		s.next++
	}
	return s.outcomes[i]
}
