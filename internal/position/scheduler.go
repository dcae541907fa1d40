package position

import (
	"sync"
	"time"

	"capguard/internal/capital"
	"capguard/internal/events"

	"github.com/rs/zerolog"
)

// Source hands the scheduler the latest position snapshot. Satisfied by
// *capital.Store, or by a position-tracking collaborator directly.
type Source interface {
	Positions() []capital.PositionRecord
}

// Scheduler runs cap enforcement on a fixed interval, publishing the
// selected closures on the event bus for the broker collaborator to execute.
type Scheduler struct {
	enforcer *Enforcer
	source   Source
	bus      *events.EventBus
	logger   zerolog.Logger

	interval         time.Duration
	maxPositions     int
	dustThresholdUSD float64

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewScheduler(enforcer *Enforcer, source Source, bus *events.EventBus,
	interval time.Duration, maxPositions int, dustThresholdUSD float64, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		enforcer:         enforcer,
		source:           source,
		bus:              bus,
		logger:           logger.With().Str("component", "PositionScheduler").Logger(),
		interval:         interval,
		maxPositions:     maxPositions,
		dustThresholdUSD: dustThresholdUSD,
	}
}

// Start begins the enforcement loop. Safe to call once.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})

	s.wg.Add(1)
	go s.run()

	s.logger.Info().Dur("interval", s.interval).Msg("position enforcement scheduler started")
}

// Stop halts the loop and waits for the in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("position enforcement scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce performs a single enforcement pass.
func (s *Scheduler) RunOnce() Selection {
	positions := s.source.Positions()

	sel := s.enforcer.Enforce(positions, s.maxPositions, s.dustThresholdUSD)
	if len(sel.ToClose) == 0 {
		return sel
	}

	symbols := make([]string, len(sel.ToClose))
	for i, p := range sel.ToClose {
		symbols[i] = p.Symbol
	}

	if s.bus != nil {
		s.bus.PublishPositionsToClose(symbols, sel.DustCount, sel.CapCount)
	}

	return sel
}
