package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hakonstad/ihht-companion/internal/config"
)

// fakeStore implements every storage collaborator in memory.
type fakeStore struct {
	mu          sync.Mutex
	snap        *RecoverySnapshot
	saveErr     error
	saveDelay   time.Duration
	loadErr     error
	deletes     int
	readings    map[string][]Reading
	flushes     int
	flushCtxErr error
	summaries   []Summary
	progression ProgressionInput
	progErr     error
	progWindow  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{readings: make(map[string][]Reading)}
}

func (f *fakeStore) Save(snap RecoverySnapshot) error {
	f.mu.Lock()
	delay := f.saveDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.snap = &snap
	return nil
}

func (f *fakeStore) Load() (*RecoverySnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	if f.snap == nil {
		return nil, nil
	}
	cp := *f.snap
	return &cp, nil
}

func (f *fakeStore) Delete() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	f.snap = nil
	return nil
}

func (f *fakeStore) Append(sessionID string, r Reading) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings[sessionID] = append(f.readings[sessionID], r)
}

func (f *fakeStore) Flush(ctx context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	f.flushCtxErr = ctx.Err()
	return nil
}

func (f *fakeStore) SaveSummary(_ context.Context, s Summary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, s)
	return nil
}

func (f *fakeStore) UserProgression(_ context.Context, _ string, window int) (ProgressionInput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progWindow = window
	return f.progression, f.progErr
}

func (f *fakeStore) summaryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.summaries)
}

func (f *fakeStore) snapshot() *RecoverySnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snap == nil {
		return nil
	}
	cp := *f.snap
	return &cp
}

func testSessionConfig() config.Session {
	return config.Session{
		TotalCycles:             3,
		HypoxicSeconds:          420,
		HyperoxicSeconds:        180,
		TransitionSeconds:       30,
		SnapshotIntervalSeconds: 10,
		SnapshotTTLHours:        4,
	}
}

// newTestController builds a controller whose internal ticker effectively
// never fires, so tests drive time through handleTick.
func newTestController(t *testing.T, store *fakeStore) *SessionController {
	t.Helper()
	c := newSessionController(testLogger(), testSessionConfig(), testAdaptiveConfig(),
		testProgressionConfig(), store, store, store, store, time.Hour)
	t.Cleanup(c.Shutdown)
	return c
}

func validReading(at time.Time, spo2 int) Reading {
	return Reading{Timestamp: at, SpO2: spo2, SpO2Valid: true, FingerDetected: true, SignalStrength: 90}
}

func TestController_StartSession(t *testing.T) {
	store := newFakeStore()
	c := newTestController(t, store)

	info, err := c.StartSession(context.Background(), "user-1", Config{
		TotalCycles:               3,
		HypoxicDurationSeconds:    420,
		HyperoxicDurationSeconds:  180,
		TransitionDurationSeconds: 30,
		StartingAltitudeLevel:     7,
	})
	require.NoError(t, err)
	assert.Equal(t, PhaseAltitude, info.CurrentPhase)
	assert.Equal(t, 1, info.CurrentCycle)
	assert.Equal(t, 7, info.AltitudeLevel)
	assert.True(t, info.IsActive)
	assert.NotEmpty(t, info.SessionID)

	_, err = c.StartSession(context.Background(), "user-1", Config{
		TotalCycles:              1,
		HypoxicDurationSeconds:   60,
		HyperoxicDurationSeconds: 60,
		StartingAltitudeLevel:    5,
	})
	assert.ErrorIs(t, err, ErrSessionAlreadyActive)

	// The initial recovery snapshot lands shortly after start.
	assert.Eventually(t, func() bool { return store.snapshot() != nil }, time.Second, 10*time.Millisecond)
}

func TestController_StartSessionRejectsBadLevel(t *testing.T) {
	c := newTestController(t, newFakeStore())

	_, err := c.StartSession(context.Background(), "user-1", Config{
		TotalCycles:              1,
		HypoxicDurationSeconds:   60,
		HyperoxicDurationSeconds: 60,
		StartingAltitudeLevel:    11,
	})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestController_AutoLevelConsultsProgression(t *testing.T) {
	store := newFakeStore()
	last := HistoryRecord{StartingAltitudeLevel: 7, EndingAltitudeLevel: 7, HasEndingLevel: true}
	store.progression = ProgressionInput{
		LastSession:          &last,
		Sessions:             []HistoryRecord{last},
		DaysSinceLastSession: 10,
		TotalSessions:        6,
	}
	c := newTestController(t, store)

	info, err := c.StartSession(context.Background(), "user-1", Config{
		TotalCycles:              1,
		HypoxicDurationSeconds:   60,
		HyperoxicDurationSeconds: 60,
		StartingAltitudeLevel:    LevelAuto,
	})
	require.NoError(t, err)
	// 10 days off eases two levels back from 7.
	assert.Equal(t, 5, info.AltitudeLevel)
}

func TestController_AutoLevelPassesConfiguredHistoryWindow(t *testing.T) {
	store := newFakeStore()
	progCfg := testProgressionConfig()
	progCfg.HistoryWindow = 7
	c := newSessionController(testLogger(), testSessionConfig(), testAdaptiveConfig(),
		progCfg, store, store, store, store, time.Hour)
	t.Cleanup(c.Shutdown)

	_, err := c.StartSession(context.Background(), "user-1", Config{
		TotalCycles:              1,
		HypoxicDurationSeconds:   60,
		HyperoxicDurationSeconds: 60,
		StartingAltitudeLevel:    LevelAuto,
	})
	require.NoError(t, err)

	store.mu.Lock()
	assert.Equal(t, 7, store.progWindow)
	store.mu.Unlock()
}

func TestController_AutoLevelSurvivesHistoryFailure(t *testing.T) {
	store := newFakeStore()
	store.progErr = errors.New("database locked")
	c := newTestController(t, store)

	info, err := c.StartSession(context.Background(), "user-1", Config{
		TotalCycles:              1,
		HypoxicDurationSeconds:   60,
		HyperoxicDurationSeconds: 60,
		StartingAltitudeLevel:    LevelAuto,
	})
	require.NoError(t, err)
	assert.Equal(t, 6, info.AltitudeLevel)
}

func TestController_TicksThroughPhases(t *testing.T) {
	store := newFakeStore()
	c := newTestController(t, store)

	advances := make([]PhaseAdvance, 0)
	var advMu sync.Mutex
	c.ListenToPhaseAdvances(func(a PhaseAdvance) {
		advMu.Lock()
		advances = append(advances, a)
		advMu.Unlock()
	})

	_, err := c.StartSession(context.Background(), "user-1", Config{
		TotalCycles:               3,
		HypoxicDurationSeconds:    420,
		HyperoxicDurationSeconds:  180,
		TransitionDurationSeconds: 30,
		StartingAltitudeLevel:     6,
	})
	require.NoError(t, err)

	for i := 0; i < 420; i++ {
		c.handleTick(1)
	}
	info, ok := c.GetSessionInfo()
	require.True(t, ok)
	assert.Equal(t, PhaseTransition, info.CurrentPhase)
	assert.Equal(t, 1, info.CurrentCycle)

	for i := 0; i < 30+180; i++ {
		c.handleTick(1)
	}
	info, _ = c.GetSessionInfo()
	assert.Equal(t, PhaseTransition, info.CurrentPhase)
	assert.Equal(t, 2, info.CurrentCycle)

	advMu.Lock()
	require.Len(t, advances, 3)
	assert.Equal(t, PhaseAdvance{From: PhaseAltitude, To: PhaseTransition, Cycle: 1}, advances[0])
	assert.Equal(t, PhaseAdvance{From: PhaseTransition, To: PhaseRecovery, Cycle: 1}, advances[1])
	assert.Equal(t, PhaseAdvance{From: PhaseRecovery, To: PhaseTransition, Cycle: 2}, advances[2])
	advMu.Unlock()
}

func TestController_CompletionEndsSessionOnce(t *testing.T) {
	store := newFakeStore()
	c := newTestController(t, store)

	endedCount := 0
	var endedSummary Summary
	var endMu sync.Mutex
	c.ListenToSessionEnded(func(s Summary) {
		endMu.Lock()
		endedCount++
		endedSummary = s
		endMu.Unlock()
	})

	_, err := c.StartSession(context.Background(), "user-1", Config{
		TotalCycles:              1,
		HypoxicDurationSeconds:   10,
		HyperoxicDurationSeconds: 10,
		StartingAltitudeLevel:    6,
	})
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		c.handleTick(1)
	}

	endMu.Lock()
	assert.Equal(t, 1, endedCount)
	assert.True(t, endedSummary.Completed)
	assert.Equal(t, 1.0, endedSummary.CompletionRate)
	endMu.Unlock()

	_, ok := c.GetSessionInfo()
	assert.False(t, ok)

	// History write and snapshot removal land off-thread.
	assert.Eventually(t, func() bool {
		return store.summaryCount() == 1 && store.snapshot() == nil
	}, time.Second, 10*time.Millisecond)
}

func TestController_CompletionNeverResurrectsSnapshot(t *testing.T) {
	store := newFakeStore()
	store.saveDelay = 50 * time.Millisecond
	c := newTestController(t, store)

	_, err := c.StartSession(context.Background(), "user-1", Config{
		TotalCycles:              1,
		HypoxicDurationSeconds:   10,
		HyperoxicDurationSeconds: 10,
		StartingAltitudeLevel:    6,
	})
	require.NoError(t, err)

	// The phase advance at tick 10 schedules a snapshot write whose Save is
	// still sleeping when the session completes ten ticks later.
	for i := 0; i < 20; i++ {
		c.handleTick(1)
	}

	assert.Eventually(t, func() bool {
		return store.summaryCount() == 1 && store.snapshot() == nil
	}, time.Second, 10*time.Millisecond)

	// Give any straggling write time to land, then confirm nothing came back.
	time.Sleep(150 * time.Millisecond)
	assert.Nil(t, store.snapshot())

	c2 := newTestController(t, store)
	assert.Nil(t, c2.GetRecoverableSession())
}

func TestController_ReadingsDriveInstructions(t *testing.T) {
	store := newFakeStore()
	c := newTestController(t, store)

	got := make([]Instruction, 0)
	var instrMu sync.Mutex
	c.ListenToInstructions(func(in Instruction) {
		instrMu.Lock()
		got = append(got, in)
		instrMu.Unlock()
	})

	info, err := c.StartSession(context.Background(), "user-1", Config{
		TotalCycles:              1,
		HypoxicDurationSeconds:   600,
		HyperoxicDurationSeconds: 60,
		StartingAltitudeLevel:    6,
	})
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 25; i++ {
		c.AddReading(validReading(start.Add(time.Duration(i)*time.Second), 80))
	}

	instrMu.Lock()
	require.NotEmpty(t, got)
	assert.Equal(t, InstructionMaskLift, got[0].Type)
	instrMu.Unlock()

	summary, err := c.EndSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.MaskLiftCount)
	assert.Equal(t, 80, summary.MinSpO2)

	// Every reading was forwarded to the sink.
	store.mu.Lock()
	assert.Len(t, store.readings[info.SessionID], 25)
	store.mu.Unlock()
}

func TestController_ReadingsIgnoredWhenIdle(t *testing.T) {
	store := newFakeStore()
	c := newTestController(t, store)

	c.AddReading(validReading(time.Now(), 90))

	store.mu.Lock()
	assert.Empty(t, store.readings)
	store.mu.Unlock()
}

func TestController_PauseResumePreservesElapsedTime(t *testing.T) {
	store := newFakeStore()
	c := newTestController(t, store)

	_, err := c.StartSession(context.Background(), "user-1", Config{
		TotalCycles:              1,
		HypoxicDurationSeconds:   100,
		HyperoxicDurationSeconds: 100,
		StartingAltitudeLevel:    6,
	})
	require.NoError(t, err)

	for i := 0; i < 40; i++ {
		c.handleTick(1)
	}
	require.NoError(t, c.PauseSession(PauseReasonUser))

	// Ticks during the pause change nothing.
	for i := 0; i < 500; i++ {
		c.handleTick(1)
	}
	info, _ := c.GetSessionInfo()
	assert.True(t, info.IsPaused)
	assert.Equal(t, 60, info.PhaseTimeRemainingSeconds)

	require.NoError(t, c.ResumeSession())
	for i := 0; i < 10; i++ {
		c.handleTick(1)
	}
	info, _ = c.GetSessionInfo()
	assert.Equal(t, 50, info.PhaseTimeRemainingSeconds)
}

func TestController_SkipRefusedWhilePaused(t *testing.T) {
	store := newFakeStore()
	c := newTestController(t, store)

	_, err := c.SkipPhase()
	assert.ErrorIs(t, err, ErrNoActiveSession)

	_, err = c.StartSession(context.Background(), "user-1", Config{
		TotalCycles:              1,
		HypoxicDurationSeconds:   60,
		HyperoxicDurationSeconds: 60,
		StartingAltitudeLevel:    6,
	})
	require.NoError(t, err)

	require.NoError(t, c.PauseSession(PauseReasonUser))
	skipped, err := c.SkipPhase()
	require.NoError(t, err)
	assert.False(t, skipped)

	require.NoError(t, c.ResumeSession())
	skipped, err = c.SkipPhase()
	require.NoError(t, err)
	assert.True(t, skipped)
}

func TestController_SensorDisconnectPausesAutomatically(t *testing.T) {
	store := newFakeStore()
	c := newTestController(t, store)

	var reason PauseReason
	var mu sync.Mutex
	c.ListenToSessionPaused(func(r PauseReason) {
		mu.Lock()
		reason = r
		mu.Unlock()
	})

	_, err := c.StartSession(context.Background(), "user-1", Config{
		TotalCycles:              1,
		HypoxicDurationSeconds:   60,
		HyperoxicDurationSeconds: 60,
		StartingAltitudeLevel:    6,
	})
	require.NoError(t, err)

	c.SetSensorConnected(false)

	info, _ := c.GetSessionInfo()
	assert.True(t, info.IsPaused)
	mu.Lock()
	assert.Equal(t, PauseReasonDeviceDisconnected, reason)
	mu.Unlock()

	// Reconnecting does not auto-resume.
	c.SetSensorConnected(true)
	info, _ = c.GetSessionInfo()
	assert.True(t, info.IsPaused)
}

func TestController_EndSessionEarly(t *testing.T) {
	store := newFakeStore()
	c := newTestController(t, store)

	_, err := c.EndSession(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveSession)

	_, err = c.StartSession(context.Background(), "user-1", Config{
		TotalCycles:              1,
		HypoxicDurationSeconds:   100,
		HyperoxicDurationSeconds: 100,
		StartingAltitudeLevel:    6,
	})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		c.handleTick(1)
	}

	summary, err := c.EndSession(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.Completed)
	assert.InDelta(t, 0.25, summary.CompletionRate, 0.001)

	assert.Eventually(t, func() bool { return store.summaryCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestController_EndSessionHonorsCallerContext(t *testing.T) {
	store := newFakeStore()
	c := newTestController(t, store)

	_, err := c.StartSession(context.Background(), "user-1", Config{
		TotalCycles:              1,
		HypoxicDurationSeconds:   60,
		HyperoxicDurationSeconds: 60,
		StartingAltitudeLevel:    6,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.EndSession(ctx)
	require.NoError(t, err)

	// The background flush runs under the caller's context.
	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.flushes == 1 && errors.Is(store.flushCtxErr, context.Canceled)
	}, time.Second, 10*time.Millisecond)
}

func TestController_AltitudeLevelChanges(t *testing.T) {
	store := newFakeStore()
	c := newTestController(t, store)

	assert.ErrorIs(t, c.SetAltitudeLevel(7), ErrNoActiveSession)

	_, err := c.StartSession(context.Background(), "user-1", Config{
		TotalCycles:              1,
		HypoxicDurationSeconds:   60,
		HyperoxicDurationSeconds: 60,
		StartingAltitudeLevel:    6,
	})
	require.NoError(t, err)

	require.NoError(t, c.SetAltitudeLevel(8))
	info, _ := c.GetSessionInfo()
	assert.Equal(t, 8, info.AltitudeLevel)

	// Out-of-range requests clamp to the device range.
	require.NoError(t, c.SetAltitudeLevel(42))
	info, _ = c.GetSessionInfo()
	assert.Equal(t, 10, info.AltitudeLevel)
}

func TestController_RecoveryRoundTrip(t *testing.T) {
	store := newFakeStore()
	c := newTestController(t, store)

	_, err := c.StartSession(context.Background(), "user-1", Config{
		TotalCycles:               3,
		HypoxicDurationSeconds:    420,
		HyperoxicDurationSeconds:  180,
		TransitionDurationSeconds: 30,
		StartingAltitudeLevel:     7,
	})
	require.NoError(t, err)

	for i := 0; i < 450; i++ {
		c.handleTick(1)
	}
	c.Shutdown() // writes the final snapshot synchronously

	// A fresh controller (fresh process) finds the snapshot.
	c2 := newTestController(t, store)
	snap := c2.GetRecoverableSession()
	require.NotNil(t, snap)
	assert.Equal(t, PhaseRecovery, snap.Phase.CurrentPhase)
	assert.Equal(t, 1, snap.Phase.CurrentCycle)
	assert.Equal(t, 7, snap.AltitudeLevel)

	info, err := c2.ResumeFromSnapshot(*snap)
	require.NoError(t, err)
	assert.True(t, info.IsPaused)
	assert.Equal(t, PhaseRecovery, info.CurrentPhase)

	// Frozen until the user resumes.
	c2.handleTick(1)
	after, _ := c2.GetSessionInfo()
	assert.Equal(t, info.PhaseTimeRemainingSeconds, after.PhaseTimeRemainingSeconds)
}

func TestController_StaleSnapshotDiscarded(t *testing.T) {
	store := newFakeStore()
	store.snap = &RecoverySnapshot{
		SchemaVersion:   SnapshotSchemaVersion,
		SessionID:       "old",
		LastPersistedAt: time.Now().Add(-5 * time.Hour),
	}
	c := newTestController(t, store)

	assert.Nil(t, c.GetRecoverableSession())
	assert.Nil(t, store.snapshot())
}

func TestController_WrongSchemaSnapshotDiscarded(t *testing.T) {
	store := newFakeStore()
	store.snap = &RecoverySnapshot{
		SchemaVersion:   SnapshotSchemaVersion + 1,
		SessionID:       "future",
		LastPersistedAt: time.Now(),
	}
	c := newTestController(t, store)

	assert.Nil(t, c.GetRecoverableSession())
	assert.Nil(t, store.snapshot())

	_, err := c.ResumeFromSnapshot(RecoverySnapshot{SchemaVersion: SnapshotSchemaVersion + 1})
	assert.ErrorIs(t, err, ErrSnapshotCorrupt)
}

func TestController_DeclineRecoveryDeletesSnapshot(t *testing.T) {
	store := newFakeStore()
	store.snap = &RecoverySnapshot{
		SchemaVersion:   SnapshotSchemaVersion,
		SessionID:       "pending",
		LastPersistedAt: time.Now(),
	}
	c := newTestController(t, store)

	c.DeclineSessionRecovery()
	assert.Nil(t, store.snapshot())
}
