package engine

import (
	"context"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"
)

// Scheduler defaults.
const (
	DefaultPeriod     = 150 * time.Second
	defaultStartDelay = 1 * time.Second
)

// Scheduler drives periodic pull+push cycles with jitter and overlap
// prevention. One scheduler owns one engine's cadence.
type Scheduler struct {
	engine     *Engine
	logger     *log.Logger
	startDelay time.Duration

	mu          sync.Mutex
	period      time.Duration
	isSyncing   bool
	nextAllowed time.Time

	rng  *rand.Rand
	stop chan struct{}
	done chan struct{}
}

// NewScheduler creates a scheduler for the engine. period <= 0 selects
// the default.
func NewScheduler(e *Engine, period time.Duration, logger *log.Logger) *Scheduler {
	if period <= 0 {
		period = DefaultPeriod
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}
	return &Scheduler{
		engine:     e,
		logger:     logger,
		startDelay: defaultStartDelay,
		period:     period,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetPeriod adjusts the base period; the next tick picks it up. Used by
// config hot reload.
func (s *Scheduler) SetPeriod(period time.Duration) {
	if period <= 0 {
		return
	}
	s.mu.Lock()
	s.period = period
	s.mu.Unlock()
}

// Start launches the scheduling loop: one cycle after a short startup
// delay, then ticks at a fifth of the period, each tick running a cycle
// only when the previous one finished and the jittered next-allowed time
// has passed.
func (s *Scheduler) Start(ctx context.Context) {
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop halts the loop. A cycle in flight finishes first.
func (s *Scheduler) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop = nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	select {
	case <-time.After(s.startDelay):
	case <-s.stop:
		return
	case <-ctx.Done():
		return
	}
	s.cycle(ctx)

	for {
		s.mu.Lock()
		tick := s.period / 5
		s.mu.Unlock()

		select {
		case <-time.After(tick):
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}

		s.mu.Lock()
		ready := !s.isSyncing && !time.Now().Before(s.nextAllowed)
		s.mu.Unlock()
		if ready {
			s.cycle(ctx)
		}
	}
}

// cycle runs pull then push, garbage-collects orphans, and computes the
// next allowed time as period + elapsed*rand(0..2). A failed pull adds a
// full extra period of backoff.
func (s *Scheduler) cycle(ctx context.Context) {
	s.mu.Lock()
	if s.isSyncing {
		s.mu.Unlock()
		return
	}
	s.isSyncing = true
	period := s.period
	s.mu.Unlock()

	start := time.Now()
	var backoff time.Duration

	if _, err := s.engine.Pull(ctx, ""); err != nil {
		s.logger.Printf("pull failed: %v", err)
		backoff = period
	}
	if _, err := s.engine.Push(ctx); err != nil {
		s.logger.Printf("push failed: %v", err)
	}
	if _, err := s.engine.CollectGarbage(ctx); err != nil {
		s.logger.Printf("resource gc failed: %v", err)
	}

	elapsed := time.Since(start)
	jitter := time.Duration(float64(elapsed) * s.rng.Float64() * 2)

	s.mu.Lock()
	s.nextAllowed = time.Now().Add(period + jitter + backoff)
	s.isSyncing = false
	s.mu.Unlock()
}
