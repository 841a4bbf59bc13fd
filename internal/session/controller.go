package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hakonstad/ihht-companion/internal/config"
	"github.com/hakonstad/ihht-companion/internal/events"
	"github.com/hakonstad/ihht-companion/internal/goroutines"
)

// SnapshotStore persists the crash-recovery snapshot of the active session.
type SnapshotStore interface {
	Save(snap RecoverySnapshot) error
	Load() (*RecoverySnapshot, error)
	Delete() error
}

// ReadingSink accepts the raw reading stream. Append must be non-blocking;
// the sink batches and flushes on its own schedule.
type ReadingSink interface {
	Append(sessionID string, r Reading)
	Flush(ctx context.Context, sessionID string) error
}

// SummaryWriter records finished sessions into history.
type SummaryWriter interface {
	SaveSummary(ctx context.Context, s Summary) error
}

// ProgressionSource produces the bounded history window for the progression
// engine.
type ProgressionSource interface {
	UserProgression(ctx context.Context, userID string, window int) (ProgressionInput, error)
}

// SessionController owns the live session: it drives the scheduler at 1 Hz,
// routes readings through the adaptive engine, persists recovery snapshots,
// and fans state out through event emitters. All public methods are safe for
// concurrent use.
type SessionController struct {
	logger         *log.Logger
	sessionCfg     config.Session
	adaptiveCfg    config.Adaptive
	progressionCfg config.Progression

	scheduler   *PhaseScheduler
	adaptive    *AdaptiveEngine
	progression *AltitudeProgressionEngine
	snapshots   SnapshotStore
	readings    ReadingSink
	summaries   SummaryWriter
	history     ProgressionSource

	mu               sync.RWMutex
	active           bool
	sessionID        string
	userID           string
	altitudeLevel    int
	startTime        time.Time
	activeSecondsRun int
	maskLiftCount    int
	minSpO2          int
	spo2Sum          int
	spo2Count        int
	lastSnapshotAt   time.Time
	snapshotDirty    bool

	// snapMu serializes every snapshot Save/Delete so a slow save can never
	// land after the delete that ends the session. snapGen is bumped whenever
	// outstanding saves must become no-ops (new session, finalize).
	snapMu  sync.Mutex
	snapGen uint64

	tickInterval time.Duration
	doneChan     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once

	startedEvent     *events.Emitter[SessionInfo]
	phaseUpdateEvent *events.Emitter[SessionInfo]
	advanceEvent     *events.Emitter[PhaseAdvance]
	pausedEvent      *events.Emitter[PauseReason]
	resumedEvent     *events.Emitter[SessionInfo]
	endedEvent       *events.Emitter[Summary]
	instructionEvent *events.Emitter[Instruction]
}

// NewSessionController wires the engines and starts the tick loop. The loop
// runs until Shutdown.
func NewSessionController(
	logger *log.Logger,
	sessionCfg config.Session,
	adaptiveCfg config.Adaptive,
	progressionCfg config.Progression,
	snapshots SnapshotStore,
	readings ReadingSink,
	summaries SummaryWriter,
	history ProgressionSource,
) *SessionController {
	return newSessionController(logger, sessionCfg, adaptiveCfg, progressionCfg,
		snapshots, readings, summaries, history, time.Second)
}

func newSessionController(
	logger *log.Logger,
	sessionCfg config.Session,
	adaptiveCfg config.Adaptive,
	progressionCfg config.Progression,
	snapshots SnapshotStore,
	readings ReadingSink,
	summaries SummaryWriter,
	history ProgressionSource,
	tickInterval time.Duration,
) *SessionController {
	if logger == nil {
		panic("SessionController requires a logger")
	}
	if snapshots == nil || readings == nil || summaries == nil {
		panic("SessionController requires its storage collaborators")
	}

	c := &SessionController{
		logger:         logger,
		sessionCfg:     sessionCfg,
		adaptiveCfg:    adaptiveCfg,
		progressionCfg: progressionCfg,
		scheduler:      NewPhaseScheduler(logger),
		adaptive:       NewAdaptiveEngine(logger, adaptiveCfg),
		progression:    NewAltitudeProgressionEngine(logger, progressionCfg),
		snapshots:      snapshots,
		readings:       readings,
		summaries:      summaries,
		history:        history,

		tickInterval: tickInterval,
		doneChan:     make(chan struct{}),

		startedEvent:     events.NewEmitter[SessionInfo](false),
		phaseUpdateEvent: events.NewEmitter[SessionInfo](true),
		advanceEvent:     events.NewEmitter[PhaseAdvance](false),
		pausedEvent:      events.NewEmitter[PauseReason](false),
		resumedEvent:     events.NewEmitter[SessionInfo](false),
		endedEvent:       events.NewEmitter[Summary](false),
		instructionEvent: events.NewEmitter[Instruction](false),
	}

	c.wg.Add(1)
	goroutines.SafeGo(logger, func() {
		defer c.wg.Done()
		c.runTickLoop()
	})
	return c
}

func (c *SessionController) runTickLoop() {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.doneChan:
			return
		case <-ticker.C:
			c.handleTick(1)
		}
	}
}

// Event subscriptions. Each returns an unsubscribe func.

func (c *SessionController) ListenToSessionStarted(fn func(SessionInfo)) func() {
	return c.startedEvent.Subscribe(fn)
}

// ListenToPhaseUpdates replays the latest state to new subscribers so a UI
// attaching mid-session renders immediately.
func (c *SessionController) ListenToPhaseUpdates(fn func(SessionInfo)) func() {
	return c.phaseUpdateEvent.Subscribe(fn)
}

func (c *SessionController) ListenToPhaseAdvances(fn func(PhaseAdvance)) func() {
	return c.advanceEvent.Subscribe(fn)
}

func (c *SessionController) ListenToSessionPaused(fn func(PauseReason)) func() {
	return c.pausedEvent.Subscribe(fn)
}

func (c *SessionController) ListenToSessionResumed(fn func(SessionInfo)) func() {
	return c.resumedEvent.Subscribe(fn)
}

func (c *SessionController) ListenToSessionEnded(fn func(Summary)) func() {
	return c.endedEvent.Subscribe(fn)
}

func (c *SessionController) ListenToInstructions(fn func(Instruction)) func() {
	return c.instructionEvent.Subscribe(fn)
}

// StartSession begins a new session. A StartingAltitudeLevel of LevelAuto
// asks the progression engine; anything else must already be within bounds.
func (c *SessionController) StartSession(ctx context.Context, userID string, cfg Config) (SessionInfo, error) {
	level, err := c.resolveStartingLevel(ctx, userID, cfg)
	if err != nil {
		return SessionInfo{}, err
	}
	cfg.StartingAltitudeLevel = level

	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return SessionInfo{}, ErrSessionAlreadyActive
	}
	if _, err := c.scheduler.Start(cfg); err != nil {
		c.mu.Unlock()
		return SessionInfo{}, err
	}

	c.beginLocked(newSessionID(), userID, level, time.Now())
	c.logger.Printf("SessionController: session %s started for %s at level %d", c.sessionID, userID, level)
	info := c.infoLocked()
	c.writeSnapshotLocked()
	c.mu.Unlock()

	c.startedEvent.Emit(info)
	c.phaseUpdateEvent.Emit(info)
	return info, nil
}

func (c *SessionController) resolveStartingLevel(ctx context.Context, userID string, cfg Config) (int, error) {
	if cfg.StartingAltitudeLevel != LevelAuto {
		if cfg.StartingAltitudeLevel < 0 || cfg.StartingAltitudeLevel > 10 {
			return 0, fmt.Errorf("%w: starting altitude level %d out of range", ErrInvalidConfig, cfg.StartingAltitudeLevel)
		}
		return cfg.StartingAltitudeLevel, nil
	}

	input := ProgressionInput{}
	if c.history != nil {
		loaded, err := c.history.UserProgression(ctx, userID, c.progressionCfg.HistoryWindow)
		if err != nil {
			// A history failure must not block training; recommend from
			// an empty window instead.
			c.logger.Printf("SessionController: failed to load progression history: %v", err)
		} else {
			input = loaded
		}
	}
	rec := c.progression.RecommendStartingAltitude(input)
	c.logger.Printf("SessionController: recommended level %d (%s, %s)", rec.Level, rec.Confidence, rec.Reasoning)
	return rec.Level, nil
}

// beginLocked resets per-session state. Caller holds the lock.
func (c *SessionController) beginLocked(sessionID, userID string, level int, start time.Time) {
	c.active = true
	c.sessionID = sessionID
	c.userID = userID
	c.altitudeLevel = level
	c.startTime = start
	c.activeSecondsRun = 0
	c.maskLiftCount = 0
	c.minSpO2 = 0
	c.spo2Sum = 0
	c.spo2Count = 0
	c.lastSnapshotAt = time.Time{}
	c.snapshotDirty = false
	c.snapGen++
	c.adaptive.Reset()
}

func newSessionID() string {
	return fmt.Sprintf("ihht-%d", time.Now().UnixNano())
}

// handleTick advances the machine by elapsed seconds and emits whatever the
// tick produced. Events fire after the lock is released.
func (c *SessionController) handleTick(elapsed int) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}

	before := c.scheduler.State()
	result := c.scheduler.Tick(elapsed)

	if !before.IsPaused && (before.CurrentPhase == PhaseAltitude || before.CurrentPhase == PhaseRecovery) {
		c.activeSecondsRun += elapsed
		if planned := c.scheduler.Config().PlannedActiveSeconds(); c.activeSecondsRun > planned {
			c.activeSecondsRun = planned
		}
	}

	var summary *Summary
	if result.Completed {
		// No snapshot for a finished session; finalize deletes instead.
		s := c.finalizeLocked(context.Background(), true)
		summary = &s
	} else {
		c.maybeSnapshotLocked(len(result.Advances) > 0)
	}
	info := c.infoLocked()
	advances := result.Advances
	c.mu.Unlock()

	for _, adv := range advances {
		c.advanceEvent.Emit(adv)
	}
	c.phaseUpdateEvent.Emit(info)
	if summary != nil {
		c.endedEvent.Emit(*summary)
	}
}

// AddReading feeds one oximeter sample into the session. Readings arriving
// with no active session are dropped; readings during a pause are persisted
// but do not move the adaptive engine or the summary statistics.
func (c *SessionController) AddReading(r Reading) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}

	c.readings.Append(c.sessionID, r)

	state := c.scheduler.State()
	var instr *Instruction
	if !state.IsPaused {
		if r.SpO2Valid && r.FingerDetected {
			c.spo2Sum += r.SpO2
			c.spo2Count++
			if c.minSpO2 == 0 || r.SpO2 < c.minSpO2 {
				c.minSpO2 = r.SpO2
			}
		}
		instr = c.adaptive.OnReading(r, state, c.altitudeLevel)
		if instr != nil && instr.Type == InstructionMaskLift {
			c.maskLiftCount++
		}
	}
	c.mu.Unlock()

	if instr != nil {
		c.instructionEvent.Emit(*instr)
	}
}

// PauseSession freezes the countdown. Pausing twice is an error only when no
// session exists; an already-paused session is left alone.
func (c *SessionController) PauseSession(reason PauseReason) error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return ErrNoActiveSession
	}
	if c.scheduler.State().IsPaused {
		c.mu.Unlock()
		return nil
	}
	c.scheduler.Pause()
	c.snapshotDirty = true
	c.logger.Printf("SessionController: session %s paused (%s)", c.sessionID, reason)
	info := c.infoLocked()
	c.mu.Unlock()

	c.pausedEvent.Emit(reason)
	c.phaseUpdateEvent.Emit(info)
	return nil
}

// ResumeSession unfreezes the countdown exactly where it stopped.
func (c *SessionController) ResumeSession() error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return ErrNoActiveSession
	}
	if !c.scheduler.State().IsPaused {
		c.mu.Unlock()
		return nil
	}
	c.scheduler.Resume()
	c.snapshotDirty = true
	c.logger.Printf("SessionController: session %s resumed", c.sessionID)
	info := c.infoLocked()
	c.mu.Unlock()

	c.resumedEvent.Emit(info)
	c.phaseUpdateEvent.Emit(info)
	return nil
}

// SkipPhase jumps to the next phase. Returns false without error when the
// scheduler refuses (paused or completed).
func (c *SessionController) SkipPhase() (bool, error) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return false, ErrNoActiveSession
	}

	result, ok := c.scheduler.Skip()
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	var summary *Summary
	if result.Completed {
		s := c.finalizeLocked(context.Background(), true)
		summary = &s
	} else {
		c.maybeSnapshotLocked(true)
	}
	info := c.infoLocked()
	c.mu.Unlock()

	for _, adv := range result.Advances {
		c.advanceEvent.Emit(adv)
	}
	c.phaseUpdateEvent.Emit(info)
	if summary != nil {
		c.endedEvent.Emit(*summary)
	}
	return true, nil
}

// SetAltitudeLevel applies a manual or confirmed-adjustment level change,
// clamped to the device range.
func (c *SessionController) SetAltitudeLevel(level int) error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return ErrNoActiveSession
	}
	level = clampLevel(level, 0, 10)
	if level == c.altitudeLevel {
		c.mu.Unlock()
		return nil
	}
	c.altitudeLevel = level
	c.snapshotDirty = true
	c.logger.Printf("SessionController: session %s altitude level set to %d", c.sessionID, level)
	info := c.infoLocked()
	c.mu.Unlock()

	c.phaseUpdateEvent.Emit(info)
	return nil
}

// SetSensorConnected tracks the oximeter link. Losing the sensor mid-session
// pauses automatically; reconnecting never auto-resumes, the user does.
func (c *SessionController) SetSensorConnected(connected bool) {
	if connected {
		return
	}
	if err := c.PauseSession(PauseReasonDeviceDisconnected); err == nil {
		c.logger.Printf("SessionController: paused after sensor disconnect")
	}
}

// EndSession stops the session early and returns the summary of what ran. The
// context bounds the background flush and history write.
func (c *SessionController) EndSession(ctx context.Context) (Summary, error) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return Summary{}, ErrNoActiveSession
	}
	summary := c.finalizeLocked(ctx, false)
	c.mu.Unlock()

	c.endedEvent.Emit(summary)
	return summary, nil
}

// finalizeLocked closes out the session: summary, history write, reading
// flush, snapshot removal. Caller holds the lock; storage runs off-thread,
// bounded by parent (or 10 s, whichever is sooner).
func (c *SessionController) finalizeLocked(parent context.Context, completed bool) Summary {
	avg := 0.0
	if c.spo2Count > 0 {
		avg = float64(c.spo2Sum) / float64(c.spo2Count)
	}
	rate := 1.0
	if !completed {
		if planned := c.scheduler.Config().PlannedActiveSeconds(); planned > 0 {
			rate = float64(c.activeSecondsRun) / float64(planned)
		}
	}

	score, category := ScoreSession(c.adaptiveCfg, c.maskLiftCount, avg, c.minSpO2, rate)
	summary := Summary{
		SessionID:           c.sessionID,
		UserID:              c.userID,
		Config:              c.scheduler.Config(),
		StartTime:           c.startTime,
		EndTime:             time.Now(),
		EndingAltitudeLevel: c.altitudeLevel,
		MaskLiftCount:       c.maskLiftCount,
		MinSpO2:             c.minSpO2,
		AvgSpO2:             avg,
		CompletionRate:      rate,
		Completed:           completed,
		Score:               score,
		Category:            category,
	}

	c.active = false
	// Outstanding snapshot saves for this session become no-ops.
	c.snapGen++
	c.logger.Printf("SessionController: session %s ended (completed=%t, score=%d %s)",
		summary.SessionID, completed, score, category)

	sessionID := summary.SessionID
	goroutines.SafeGo(c.logger, func() {
		ctx, cancel := context.WithTimeout(parent, 10*time.Second)
		defer cancel()
		if err := c.readings.Flush(ctx, sessionID); err != nil {
			c.logger.Printf("SessionController: failed to flush readings for %s: %v", sessionID, err)
		}
		if err := c.summaries.SaveSummary(ctx, summary); err != nil {
			c.logger.Printf("SessionController: failed to save summary for %s: %v", sessionID, err)
		}
		c.snapMu.Lock()
		err := c.snapshots.Delete()
		c.snapMu.Unlock()
		if err != nil {
			c.logger.Printf("SessionController: failed to delete recovery snapshot: %v", err)
		}
	})
	return summary
}

// GetSessionInfo returns the current read model; ok is false when idle.
func (c *SessionController) GetSessionInfo() (SessionInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.active {
		return SessionInfo{}, false
	}
	return c.infoLocked(), true
}

func (c *SessionController) infoLocked() SessionInfo {
	state := c.scheduler.State()
	cfg := c.scheduler.Config()
	return SessionInfo{
		SessionID:                 c.sessionID,
		CurrentPhase:              state.CurrentPhase,
		CurrentCycle:              state.CurrentCycle,
		TotalCycles:               cfg.TotalCycles,
		PhaseTimeRemainingSeconds: state.PhaseTimeRemainingSeconds,
		IsPaused:                  state.IsPaused,
		IsActive:                  c.active,
		AltitudeLevel:             c.altitudeLevel,
		SessionStartTime:          c.startTime,
	}
}

// maybeSnapshotLocked writes a recovery snapshot when a phase advanced, the
// periodic interval elapsed, or a previous write failed. Caller holds the
// lock; the write itself runs off-thread.
func (c *SessionController) maybeSnapshotLocked(advanced bool) {
	due := time.Since(c.lastSnapshotAt) >= c.sessionCfg.SnapshotInterval()
	if !advanced && !due && !c.snapshotDirty {
		return
	}
	c.writeSnapshotLocked()
}

func (c *SessionController) writeSnapshotLocked() {
	snap := RecoverySnapshot{
		SchemaVersion:    SnapshotSchemaVersion,
		SessionID:        c.sessionID,
		UserID:           c.userID,
		Config:           c.scheduler.Config(),
		Phase:            c.scheduler.State(),
		AltitudeLevel:    c.altitudeLevel,
		ActiveSecondsRun: c.activeSecondsRun,
		SessionStartTime: c.startTime,
		LastPersistedAt:  time.Now(),
	}
	c.lastSnapshotAt = snap.LastPersistedAt
	c.snapshotDirty = false

	gen := c.snapGen
	goroutines.SafeGo(c.logger, func() {
		c.saveSnapshot(snap, gen)
	})
}

// saveSnapshot performs the actual write, serialized against the delete in
// finalize. A save whose generation is stale (the session ended or a new one
// began since the write was scheduled) is dropped.
func (c *SessionController) saveSnapshot(snap RecoverySnapshot, gen uint64) {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()

	c.mu.Lock()
	stale := gen != c.snapGen
	c.mu.Unlock()
	if stale {
		return
	}

	if err := c.snapshots.Save(snap); err != nil {
		c.logger.Printf("SessionController: snapshot write failed, will retry: %v", err)
		c.mu.Lock()
		if gen == c.snapGen {
			c.snapshotDirty = true
		}
		c.mu.Unlock()
	}
}

// GetRecoverableSession returns a snapshot worth offering to the user, or nil.
// Stale and corrupt snapshots are deleted on sight so they are offered at
// most once.
func (c *SessionController) GetRecoverableSession() *RecoverySnapshot {
	snap, err := c.snapshots.Load()
	if err != nil {
		c.logger.Printf("SessionController: discarding unreadable recovery snapshot: %v", err)
		_ = c.snapshots.Delete()
		return nil
	}
	if snap == nil {
		return nil
	}
	if snap.SchemaVersion != SnapshotSchemaVersion {
		c.logger.Printf("SessionController: discarding recovery snapshot with schema %d", snap.SchemaVersion)
		_ = c.snapshots.Delete()
		return nil
	}
	if time.Since(snap.LastPersistedAt) > c.sessionCfg.SnapshotTTL() {
		c.logger.Printf("SessionController: discarding stale recovery snapshot from %s", snap.LastPersistedAt.Format(time.RFC3339))
		_ = c.snapshots.Delete()
		return nil
	}
	return snap
}

// ResumeFromSnapshot restores an interrupted session in the paused state; the
// user resumes the countdown explicitly once the mask is back on.
func (c *SessionController) ResumeFromSnapshot(snap RecoverySnapshot) (SessionInfo, error) {
	if snap.SchemaVersion != SnapshotSchemaVersion {
		return SessionInfo{}, ErrSnapshotCorrupt
	}

	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return SessionInfo{}, ErrSessionAlreadyActive
	}
	if err := c.scheduler.Restore(snap.Config, snap.Phase); err != nil {
		c.mu.Unlock()
		return SessionInfo{}, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}

	c.beginLocked(snap.SessionID, snap.UserID, snap.AltitudeLevel, snap.SessionStartTime)
	c.activeSecondsRun = snap.ActiveSecondsRun
	c.logger.Printf("SessionController: resumed session %s at %s, cycle %d",
		snap.SessionID, snap.Phase.CurrentPhase, snap.Phase.CurrentCycle)
	info := c.infoLocked()
	c.mu.Unlock()

	c.startedEvent.Emit(info)
	c.phaseUpdateEvent.Emit(info)
	return info, nil
}

// DeclineSessionRecovery throws the offered snapshot away.
func (c *SessionController) DeclineSessionRecovery() {
	if err := c.snapshots.Delete(); err != nil {
		c.logger.Printf("SessionController: failed to delete declined snapshot: %v", err)
	}
}

// Shutdown stops the tick loop. An active session gets a final synchronous
// snapshot so it can be offered for recovery on the next start.
func (c *SessionController) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		active := c.active
		gen := c.snapGen
		snap := RecoverySnapshot{
			SchemaVersion:    SnapshotSchemaVersion,
			SessionID:        c.sessionID,
			UserID:           c.userID,
			Config:           c.scheduler.Config(),
			Phase:            c.scheduler.State(),
			AltitudeLevel:    c.altitudeLevel,
			ActiveSecondsRun: c.activeSecondsRun,
			SessionStartTime: c.startTime,
			LastPersistedAt:  time.Now(),
		}
		c.mu.Unlock()
		if active {
			c.saveSnapshot(snap, gen)
		}

		close(c.doneChan)
		c.wg.Wait()
		c.logger.Printf("SessionController: shut down")
	})
}
