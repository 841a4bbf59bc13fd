package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hakonstad/ihht-companion/internal/session"
)

// SaveSummary records a finished session. The id is the natural key, so a
// retried write after a flaky first attempt is harmless.
func (s *Store) SaveSummary(ctx context.Context, sum session.Summary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions
		 (id, user_id, session_type, starting_level, ending_level, start_time, end_time,
		  total_cycles, hypoxic_seconds, hyperoxic_seconds, transition_seconds,
		  mask_lift_count, min_spo2, avg_spo2, completion_rate, completed, score, category)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.SessionID, sum.UserID, string(session.SessionTypeTraining),
		sum.Config.StartingAltitudeLevel, sum.EndingAltitudeLevel,
		sum.StartTime.Unix(), sum.EndTime.Unix(),
		sum.Config.TotalCycles, sum.Config.HypoxicDurationSeconds,
		sum.Config.HyperoxicDurationSeconds, sum.Config.TransitionDurationSeconds,
		sum.MaskLiftCount, sum.MinSpO2, sum.AvgSpO2, sum.CompletionRate,
		boolToInt(sum.Completed), sum.Score, string(sum.Category),
	)
	if err != nil {
		return fmt.Errorf("insert session summary: %w", err)
	}
	return nil
}

// UserProgression assembles the bounded history window the progression engine
// consumes. window caps how many recent sessions are loaded; 0 means 10.
func (s *Store) UserProgression(ctx context.Context, userID string, window int) (session.ProgressionInput, error) {
	if window <= 0 {
		window = 10
	}

	var total int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions WHERE user_id = ?", userID,
	).Scan(&total)
	if err != nil {
		return session.ProgressionInput{}, fmt.Errorf("count sessions: %w", err)
	}
	if total == 0 {
		return session.ProgressionInput{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT starting_level, ending_level, start_time, mask_lift_count,
		        min_spo2, avg_spo2, completion_rate, session_type
		 FROM sessions WHERE user_id = ?
		 ORDER BY start_time DESC LIMIT ?`, userID, window)
	if err != nil {
		return session.ProgressionInput{}, fmt.Errorf("query session history: %w", err)
	}
	defer rows.Close()

	records := make([]session.HistoryRecord, 0, window)
	for rows.Next() {
		var (
			rec         session.HistoryRecord
			endingLevel sql.NullInt64
			startUnix   int64
			sessionType string
		)
		if err := rows.Scan(&rec.StartingAltitudeLevel, &endingLevel, &startUnix,
			&rec.MaskLiftCount, &rec.MinSpO2, &rec.AvgSpO2, &rec.CompletionRate, &sessionType); err != nil {
			return session.ProgressionInput{}, fmt.Errorf("scan session history: %w", err)
		}
		if endingLevel.Valid {
			rec.EndingAltitudeLevel = int(endingLevel.Int64)
			rec.HasEndingLevel = true
		}
		rec.StartTime = time.Unix(startUnix, 0)
		rec.SessionType = session.SessionType(sessionType)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return session.ProgressionInput{}, fmt.Errorf("iterate session history: %w", err)
	}
	if len(records) == 0 {
		return session.ProgressionInput{}, nil
	}

	return session.ProgressionInput{
		LastSession:          &records[0],
		Sessions:             records,
		DaysSinceLastSession: daysSince(records[0].StartTime, time.Now()),
		TotalSessions:        total,
		Trend:                deriveTrend(records),
	}, nil
}

func daysSince(then, now time.Time) int {
	if then.After(now) {
		return 0
	}
	return int(now.Sub(then).Hours() / 24)
}

// deriveTrend reads the last three ending levels, newest first: strictly
// rising is improving, strictly falling is declining, anything else is stable.
func deriveTrend(records []session.HistoryRecord) session.Trend {
	if len(records) < 3 {
		return session.TrendStable
	}
	newest, mid, oldest := records[0].BaseLevel(), records[1].BaseLevel(), records[2].BaseLevel()
	switch {
	case newest > mid && mid > oldest:
		return session.TrendImproving
	case newest < mid && mid < oldest:
		return session.TrendDeclining
	default:
		return session.TrendStable
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
