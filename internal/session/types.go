package session

import "time"

// Phase is the canonical phase of an IHHT session. Legacy device exports used
// HYPOXIC/HYPEROXIC names for the two timed phases; those are accepted only at
// the ParsePhase boundary and never appear in engine state.
type Phase int

const (
	PhaseAltitude Phase = iota // breathing reduced-oxygen air through the mask
	PhaseTransition            // mask on/off changeover between timed phases
	PhaseRecovery              // breathing enriched/normal air
	PhaseCompleted             // terminal; the scheduler accepts no further input
)

func (p Phase) String() string {
	switch p {
	case PhaseAltitude:
		return "ALTITUDE"
	case PhaseTransition:
		return "TRANSITION"
	case PhaseRecovery:
		return "RECOVERY"
	case PhaseCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// ParsePhase maps a phase name to its canonical Phase, accepting the legacy
// HYPOXIC/HYPEROXIC aliases for data written by older exports.
func ParsePhase(name string) (Phase, bool) {
	switch name {
	case "ALTITUDE", "HYPOXIC":
		return PhaseAltitude, true
	case "TRANSITION":
		return PhaseTransition, true
	case "RECOVERY", "HYPEROXIC":
		return PhaseRecovery, true
	case "COMPLETED":
		return PhaseCompleted, true
	default:
		return 0, false
	}
}

// LevelAuto as StartingAltitudeLevel asks the controller to consult the
// progression engine instead of using a caller-chosen level.
const LevelAuto = -1

// Config is the immutable shape of a session, fixed at start.
type Config struct {
	TotalCycles               int
	HypoxicDurationSeconds    int
	HyperoxicDurationSeconds  int
	TransitionDurationSeconds int // 0 disables the TRANSITION phase
	StartingAltitudeLevel     int // 0-10, or LevelAuto
}

// PlannedActiveSeconds is the total timed (non-transition) duration of the
// session, used for completion-rate accounting.
func (c Config) PlannedActiveSeconds() int {
	return c.TotalCycles * (c.HypoxicDurationSeconds + c.HyperoxicDurationSeconds)
}

// PhaseState is the scheduler-owned mutable state of the phase machine.
type PhaseState struct {
	CurrentPhase              Phase
	CurrentCycle              int // 1..TotalCycles, never decreases
	PhaseTimeRemainingSeconds int
	IsPaused                  bool
	NextPhaseAfterTransition  Phase // meaningful only while CurrentPhase == PhaseTransition
}

// Reading is one immutable pulse-oximeter sample. Valid flags distinguish
// "sensor produced no value" from a genuine measurement; absence of signal is
// never treated as low SpO2.
type Reading struct {
	Timestamp      time.Time
	SpO2           int // percent, meaningful only when SpO2Valid
	SpO2Valid      bool
	HeartRate      int // bpm, meaningful only when HeartRateValid
	HeartRateValid bool
	FingerDetected bool
	SignalStrength int // 0-100
}

// InstructionType tags the Instruction union.
type InstructionType int

const (
	InstructionMaskLift InstructionType = iota
	InstructionAltitudeAdjustment
)

func (t InstructionType) String() string {
	switch t {
	case InstructionMaskLift:
		return "MASK_LIFT"
	case InstructionAltitudeAdjustment:
		return "ALTITUDE_ADJUSTMENT"
	default:
		return "UNKNOWN"
	}
}

// Auto-dismiss horizons for the two instruction kinds. The presentation layer
// owns the dismiss timers; the engine just stamps the horizon.
const (
	MaskLiftAutoDismiss           = 5 * time.Second
	AltitudeAdjustmentAutoDismiss = 10 * time.Second
)

// Instruction is a safety instruction emitted by the adaptive engine. Fields
// beyond Type/Timestamp/AutoDismissAfter are populated per kind: SpO2Value and
// ThresholdUsed for mask lifts, NewLevel/Delta/Reason for altitude
// adjustments.
type Instruction struct {
	Type             InstructionType
	Timestamp        time.Time
	AutoDismissAfter time.Duration

	// Mask lift
	SpO2Value     int
	ThresholdUsed int

	// Altitude adjustment
	NewLevel int
	Delta    int
	Reason   string
}

// PauseReason distinguishes user-initiated pauses from automatic ones.
type PauseReason string

const (
	PauseReasonUser               PauseReason = "user"
	PauseReasonDeviceDisconnected PauseReason = "device_disconnected"
)

// SessionInfo is the read model exposed to the presentation layer.
type SessionInfo struct {
	SessionID                 string
	CurrentPhase              Phase
	CurrentCycle              int
	TotalCycles               int
	PhaseTimeRemainingSeconds int
	IsPaused                  bool
	IsActive                  bool
	AltitudeLevel             int
	SessionStartTime          time.Time
}

// PhaseAdvance describes one phase-machine transition.
type PhaseAdvance struct {
	From  Phase
	To    Phase
	Cycle int
}

// SessionType labels a history record.
type SessionType string

const (
	SessionTypeCalibration SessionType = "CALIBRATION"
	SessionTypeTraining    SessionType = "TRAINING"
)

// Summary is the result of a finished (or aborted) session.
type Summary struct {
	SessionID           string
	UserID              string
	Config              Config
	StartTime           time.Time
	EndTime             time.Time
	EndingAltitudeLevel int
	MaskLiftCount       int
	MinSpO2             int
	AvgSpO2             float64
	CompletionRate      float64 // 0..1 over planned timed seconds
	Completed           bool
	Score               int
	Category            PerformanceCategory
}

// HistoryRecord is one past session as the progression engine sees it, most
// recent first in ProgressionInput.Sessions.
type HistoryRecord struct {
	StartingAltitudeLevel int
	EndingAltitudeLevel   int
	HasEndingLevel        bool
	StartTime             time.Time
	MaskLiftCount         int
	MinSpO2               float64
	AvgSpO2               float64
	CompletionRate        float64
	SessionType           SessionType
}

// BaseLevel is the level progression starts from: the recorded ending level,
// falling back to the starting level when no ending level was captured.
func (r HistoryRecord) BaseLevel() int {
	if r.HasEndingLevel {
		return r.EndingAltitudeLevel
	}
	return r.StartingAltitudeLevel
}

// Trend labels the recent direction of a user's ending altitude levels.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// ProgressionInput is the bounded history window the progression engine
// consumes, produced by the persistence collaborator.
type ProgressionInput struct {
	LastSession          *HistoryRecord
	Sessions             []HistoryRecord // most recent first, bounded by the history window
	DaysSinceLastSession int
	TotalSessions        int
	Trend                Trend
}

// RecoverySnapshot is the minimal durable state needed to resume an
// interrupted session. SchemaVersion guards against resuming from snapshots
// written by an incompatible build.
type RecoverySnapshot struct {
	SchemaVersion    int              `json:"schema_version"`
	SessionID        string           `json:"session_id"`
	UserID           string           `json:"user_id"`
	Config           Config           `json:"config"`
	Phase            PhaseState       `json:"phase"`
	AltitudeLevel    int              `json:"altitude_level"`
	ActiveSecondsRun int              `json:"active_seconds_run"`
	SessionStartTime time.Time        `json:"session_start_time"`
	LastPersistedAt  time.Time        `json:"last_persisted_at"`
}

// SnapshotSchemaVersion is bumped whenever RecoverySnapshot changes shape.
const SnapshotSchemaVersion = 1
