package session

import (
	"fmt"
	"log"
)

// PhaseScheduler is the pure phase/cycle state machine. It has no clock and no
// goroutines of its own: the controller feeds it elapsed seconds and it reports
// the transitions that occurred. Not safe for concurrent use; the controller
// serializes access under its own lock.
type PhaseScheduler struct {
	logger  *log.Logger
	config  Config
	state   PhaseState
	started bool
}

// TickResult reports what one Tick did, in order of occurrence. Completed is
// set on the tick that drove the machine into PhaseCompleted and never again.
type TickResult struct {
	State     PhaseState
	Advances  []PhaseAdvance
	Completed bool
}

func NewPhaseScheduler(logger *log.Logger) *PhaseScheduler {
	if logger == nil {
		panic("PhaseScheduler requires a logger")
	}
	return &PhaseScheduler{logger: logger}
}

// Start validates the config and arms the machine at cycle 1, ALTITUDE.
func (s *PhaseScheduler) Start(config Config) (PhaseState, error) {
	if err := validateConfig(config); err != nil {
		return PhaseState{}, err
	}

	s.config = config
	s.state = PhaseState{
		CurrentPhase:              PhaseAltitude,
		CurrentCycle:              1,
		PhaseTimeRemainingSeconds: config.HypoxicDurationSeconds,
	}
	s.started = true
	s.logger.Printf("PhaseScheduler: started, %d cycles of %ds/%ds (transition %ds)",
		config.TotalCycles, config.HypoxicDurationSeconds,
		config.HyperoxicDurationSeconds, config.TransitionDurationSeconds)
	return s.state, nil
}

// Restore arms the machine mid-session from a recovery snapshot. The restored
// state is always paused; the caller resumes explicitly.
func (s *PhaseScheduler) Restore(config Config, state PhaseState) error {
	if err := validateConfig(config); err != nil {
		return err
	}
	if state.CurrentCycle < 1 || state.CurrentCycle > config.TotalCycles {
		return fmt.Errorf("%w: restored cycle %d out of range", ErrInvalidConfig, state.CurrentCycle)
	}
	if state.PhaseTimeRemainingSeconds < 0 {
		return fmt.Errorf("%w: restored phase time %d is negative", ErrInvalidConfig, state.PhaseTimeRemainingSeconds)
	}

	state.IsPaused = true
	s.config = config
	s.state = state
	s.started = true
	s.logger.Printf("PhaseScheduler: restored at %s, cycle %d/%d, %ds remaining",
		state.CurrentPhase, state.CurrentCycle, config.TotalCycles, state.PhaseTimeRemainingSeconds)
	return nil
}

func validateConfig(config Config) error {
	if config.TotalCycles < 1 {
		return fmt.Errorf("%w: total cycles must be >= 1, got %d", ErrInvalidConfig, config.TotalCycles)
	}
	if config.HypoxicDurationSeconds <= 0 {
		return fmt.Errorf("%w: hypoxic duration must be positive, got %d", ErrInvalidConfig, config.HypoxicDurationSeconds)
	}
	if config.HyperoxicDurationSeconds <= 0 {
		return fmt.Errorf("%w: hyperoxic duration must be positive, got %d", ErrInvalidConfig, config.HyperoxicDurationSeconds)
	}
	if config.TransitionDurationSeconds < 0 {
		return fmt.Errorf("%w: transition duration must be >= 0, got %d", ErrInvalidConfig, config.TransitionDurationSeconds)
	}
	return nil
}

// State returns a copy of the current phase state.
func (s *PhaseScheduler) State() PhaseState {
	return s.state
}

// Config returns the config the machine was started with.
func (s *PhaseScheduler) Config() Config {
	return s.config
}

// Pause freezes the countdown. Idempotent; a paused machine ignores Tick.
func (s *PhaseScheduler) Pause() {
	if !s.started || s.state.CurrentPhase == PhaseCompleted {
		return
	}
	s.state.IsPaused = true
}

// Resume unfreezes the countdown exactly where Pause left it.
func (s *PhaseScheduler) Resume() {
	if !s.started || s.state.CurrentPhase == PhaseCompleted {
		return
	}
	s.state.IsPaused = false
}

// Tick advances the countdown by elapsedSeconds. Paused or completed machines
// ignore it. A single tick can cross several phase boundaries when
// elapsedSeconds exceeds the remaining time; leftover seconds carry into the
// next phase so total elapsed time is conserved.
func (s *PhaseScheduler) Tick(elapsedSeconds int) TickResult {
	result := TickResult{State: s.state}
	if !s.started || elapsedSeconds <= 0 || s.state.IsPaused || s.state.CurrentPhase == PhaseCompleted {
		return result
	}

	s.state.PhaseTimeRemainingSeconds -= elapsedSeconds
	for s.state.PhaseTimeRemainingSeconds <= 0 && s.state.CurrentPhase != PhaseCompleted {
		carry := -s.state.PhaseTimeRemainingSeconds
		advance := s.advance()
		result.Advances = append(result.Advances, advance)
		s.state.PhaseTimeRemainingSeconds -= carry
	}

	if s.state.CurrentPhase == PhaseCompleted {
		s.state.PhaseTimeRemainingSeconds = 0
		result.Completed = true
	}
	result.State = s.state
	return result
}

// Skip jumps to the next phase immediately. It refuses while paused or after
// completion and reports whether a jump happened.
func (s *PhaseScheduler) Skip() (TickResult, bool) {
	if !s.started || s.state.IsPaused || s.state.CurrentPhase == PhaseCompleted {
		return TickResult{State: s.state}, false
	}

	result := TickResult{Advances: []PhaseAdvance{s.advance()}}
	if s.state.CurrentPhase == PhaseCompleted {
		result.Completed = true
	}
	result.State = s.state
	s.logger.Printf("PhaseScheduler: skipped to %s, cycle %d", s.state.CurrentPhase, s.state.CurrentCycle)
	return result, true
}

// advance moves the machine one phase forward and resets the countdown for the
// entered phase. The cycle counter increments when a changeover toward
// ALTITUDE begins, so the user sees the upcoming cycle during the transition.
func (s *PhaseScheduler) advance() PhaseAdvance {
	from := s.state.CurrentPhase

	switch s.state.CurrentPhase {
	case PhaseAltitude:
		s.enterTransitionOr(PhaseRecovery)
	case PhaseTransition:
		s.enterPhase(s.state.NextPhaseAfterTransition)
	case PhaseRecovery:
		if s.state.CurrentCycle < s.config.TotalCycles {
			s.state.CurrentCycle++
			s.enterTransitionOr(PhaseAltitude)
		} else {
			s.state.CurrentPhase = PhaseCompleted
			s.state.PhaseTimeRemainingSeconds = 0
		}
	}

	return PhaseAdvance{From: from, To: s.state.CurrentPhase, Cycle: s.state.CurrentCycle}
}

// enterTransitionOr enters a TRANSITION toward next, or goes straight to next
// when transitions are disabled (duration 0).
func (s *PhaseScheduler) enterTransitionOr(next Phase) {
	if s.config.TransitionDurationSeconds > 0 {
		s.state.CurrentPhase = PhaseTransition
		s.state.NextPhaseAfterTransition = next
		s.state.PhaseTimeRemainingSeconds = s.config.TransitionDurationSeconds
		return
	}
	s.enterPhase(next)
}

func (s *PhaseScheduler) enterPhase(phase Phase) {
	s.state.CurrentPhase = phase
	switch phase {
	case PhaseAltitude:
		s.state.PhaseTimeRemainingSeconds = s.config.HypoxicDurationSeconds
	case PhaseRecovery:
		s.state.PhaseTimeRemainingSeconds = s.config.HyperoxicDurationSeconds
	}
}
