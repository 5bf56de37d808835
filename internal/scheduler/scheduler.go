// Package scheduler fires due runbooks on a fixed tick. Within one process at
// most one firing per runbook id is in flight; an optional Locker extends
// that guarantee across processes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/deskmate/internal/executor"
	"github.com/nadmax/deskmate/internal/logging"
	"github.com/nadmax/deskmate/internal/metrics"
	"github.com/nadmax/deskmate/internal/runbook"
	"github.com/rs/zerolog"
)

const DefaultInterval = 15 * time.Second

var (
	ErrInFlight       = errors.New("runbook run already in flight")
	ErrUnknownRunbook = errors.New("unknown runbook")
)

const (
	skipDisabled   = "disabled"
	skipNoInterval = "no_interval"
	skipInFlight   = "in_flight"
	skipNotDue     = "not_due"
	skipLeased     = "leased"
)

type Runner interface {
	Run(ctx context.Context, def runbook.Definition, accountKey string) (*executor.Outcome, error)
}

type StateLister interface {
	ListStates(ctx context.Context) ([]*runbook.State, error)
}

// Locker guards a firing across processes. unlock is called once every
// account of the firing has finished.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(context.Context) error, ok bool, err error)
}

type Scheduler struct {
	source   runbook.Source
	states   StateLister
	runner   Runner
	locker   Locker
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup

	runCtx    context.Context
	cancelRun context.CancelFunc
	loopDone  chan struct{}
}

type Option func(*Scheduler)

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithLocker(l Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(source runbook.Source, states StateLister, runner Runner, opts ...Option) *Scheduler {
	runCtx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		source:    source,
		states:    states,
		runner:    runner,
		interval:  DefaultInterval,
		now:       func() time.Time { return time.Now().UTC() },
		log:       logging.Component("scheduler"),
		running:   make(map[string]struct{}),
		runCtx:    runCtx,
		cancelRun: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start ticks immediately and then every interval until ctx is done. Runs
// fired by the loop are not bound to ctx; see Shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	s.loopDone = make(chan struct{})

	go func() {
		defer close(s.loopDone)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.log.Info().Dur("interval", s.interval).Msg("scheduler started")
		s.Tick(ctx)
		for {
			select {
			case <-ctx.Done():
				s.log.Info().Msg("scheduler stopped")
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Tick fires every enabled, due runbook that is not already in flight and
// returns how many were fired.
func (s *Scheduler) Tick(ctx context.Context) int {
	metrics.RecordSchedulerTick()

	defs, err := s.source.List(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list runbooks")
		return 0
	}

	states, err := s.states.ListStates(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list runbook states")
		return 0
	}
	lastRun := make(map[string]*time.Time, len(states))
	for _, st := range states {
		lastRun[st.RunbookID] = st.LastRunAt
	}

	now := s.now()
	fired := 0
	for _, def := range defs {
		reason := ""
		switch {
		case !def.Enabled:
			reason = skipDisabled
		case def.EveryMinutes <= 0:
			reason = skipNoInterval
		case s.InFlight(def.ID):
			reason = skipInFlight
		case !def.Due(lastRun[def.ID], now):
			reason = skipNotDue
		}
		if reason != "" {
			metrics.RecordRunbookSkipped(reason)
			continue
		}

		if s.fire(def) {
			fired++
		} else {
			metrics.RecordRunbookSkipped(skipInFlight)
		}
	}
	return fired
}

// Trigger fires id now regardless of its schedule or enabled flag.
func (s *Scheduler) Trigger(ctx context.Context, id string) error {
	def, ok, err := runbook.Find(ctx, s.source, id)
	if err != nil {
		return fmt.Errorf("failed to list runbooks: %w", err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownRunbook)
	}

	if !s.fire(def) {
		return fmt.Errorf("%s: %w", id, ErrInFlight)
	}
	return nil
}

func (s *Scheduler) InFlight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.running[id]
	return ok
}

// Running lists the runbook ids currently in flight, sorted.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until every fired run has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Shutdown waits for the tick loop, whose context the caller has canceled,
// to exit and for in-flight runs to finish.
// When ctx ends first the runs are canceled and awaited.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if s.loopDone != nil {
		<-s.loopDone
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelRun()
		return nil
	case <-ctx.Done():
		s.cancelRun()
		<-done
		return ctx.Err()
	}
}

func (s *Scheduler) fire(def runbook.Definition) bool {
	s.mu.Lock()
	if _, busy := s.running[def.ID]; busy {
		s.mu.Unlock()
		return false
	}
	s.running[def.ID] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	metrics.RecordRunbookTriggered(def.ID)

	go func() {
		defer s.wg.Done()
		defer s.clear(def.ID)
		s.runAccounts(def)
	}()
	return true
}

func (s *Scheduler) clear(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

func (s *Scheduler) runAccounts(def runbook.Definition) {
	ctx := s.runCtx
	log := s.log.With().Str("runbook_id", def.ID).Logger()

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, "runbook:"+def.ID)
		if err != nil {
			log.Error().Err(err).Msg("failed to take runbook lease")
			return
		}
		if !ok {
			metrics.RecordRunbookSkipped(skipLeased)
			log.Debug().Msg("runbook leased by another process")
			return
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Msg("failed to release runbook lease")
			}
		}()
	}

	var wg sync.WaitGroup
	for _, account := range def.AccountKeys() {
		wg.Add(1)
		go func(account string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("account", account).Interface("panic", r).Msg("runbook run panicked")
				}
			}()

			if _, err := s.runner.Run(ctx, def, account); err != nil {
				log.Warn().Err(err).Str("account", account).Msg("runbook run failed")
			}
		}(account)
	}
	wg.Wait()
}
