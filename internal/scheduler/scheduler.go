package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bottlescan/portal/internal/clock"
)

var ErrRunning = errors.New("scheduler already running")

// Task is one unit of periodic work. Run is called on every Every-th tick;
// Every <= 1 means every tick.
type Task struct {
	Name  string
	Every int
	Run   func(ctx context.Context)
}

// Scheduler drives tasks from a single ticker goroutine. Tasks run one after
// another inside a tick and ticks never overlap: a tick that comes due while
// the previous one is still running is coalesced by the ticker and picked up
// afterwards.
type Scheduler struct {
	clock    clock.Clock
	interval time.Duration
	tasks    []Task
	log      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(clk clock.Clock, interval time.Duration, log *zap.Logger, tasks ...Task) *Scheduler {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{clock: clk, interval: interval, tasks: tasks, log: log}
}

// Start runs the loop in the background until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	// The ticker exists before Start returns, so no tick is lost to goroutine startup.
	ticker := s.clock.NewTicker(s.interval)
	go func(done chan struct{}) {
		defer close(done)
		s.loop(ctx, ticker)
		s.release(done)
	}(s.done)
	return nil
}

// release forgets the run that owns done once its loop has exited, so a
// scheduler whose parent context ended can be started again without Stop.
func (s *Scheduler) release(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != done {
		return // Stop already took over
	}
	s.cancel()
	s.cancel, s.done = nil, nil
}

// Stop cancels the loop and waits for the tick in progress to finish.
// The scheduler can be started again afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run blocks, ticking until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.loop(ctx, s.clock.NewTicker(s.interval))
}

func (s *Scheduler) loop(ctx context.Context, ticker clock.Ticker) {
	defer ticker.Stop()

	s.log.Info("scheduler started", zap.Duration("interval", s.interval), zap.Int("tasks", len(s.tasks)))

	var n uint64
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C():
			n++
			s.step(ctx, n)
		}
	}
}

func (s *Scheduler) step(ctx context.Context, n uint64) {
	for _, t := range s.tasks {
		if t.Every > 1 && n%uint64(t.Every) != 0 {
			continue
		}
		s.runTask(ctx, t)
	}
}

func (s *Scheduler) runTask(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler task panicked", zap.String("task", t.Name), zap.Any("panic", r))
		}
	}()
	t.Run(ctx)
}
