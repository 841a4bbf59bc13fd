package storage

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hakonstad/ihht-companion/internal/config"
	"github.com/hakonstad/ihht-companion/internal/goroutines"
	"github.com/hakonstad/ihht-companion/internal/session"
)

type pendingReading struct {
	sessionID string
	reading   session.Reading
}

// ReadingBuffer batches the 1 Hz reading stream into periodic inserts so the
// session tick path never waits on the database. Append is non-blocking; a
// background loop flushes on a timer or when the batch fills. Failed batches
// stay queued for the next attempt.
type ReadingBuffer struct {
	logger    *log.Logger
	store     *Store
	batchSize int

	mu      sync.Mutex
	pending []pendingReading

	kick     chan struct{}
	doneChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func NewReadingBuffer(logger *log.Logger, store *Store, cfg config.Storage) *ReadingBuffer {
	if logger == nil {
		panic("ReadingBuffer requires a logger")
	}
	b := &ReadingBuffer{
		logger:    logger,
		store:     store,
		batchSize: cfg.ReadingFlushBatchSize,
		kick:      make(chan struct{}, 1),
		doneChan:  make(chan struct{}),
	}
	if b.batchSize <= 0 {
		b.batchSize = 32
	}

	interval := time.Duration(cfg.ReadingFlushSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}

	b.wg.Add(1)
	goroutines.SafeGo(logger, func() {
		defer b.wg.Done()
		b.runFlushLoop(interval)
	})
	return b
}

func (b *ReadingBuffer) runFlushLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.doneChan:
			return
		case <-ticker.C:
		case <-b.kick:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := b.flush(ctx); err != nil {
			b.logger.Printf("ReadingBuffer: flush failed, keeping batch: %v", err)
		}
		cancel()
	}
}

// Append queues one reading. Never blocks on the database.
func (b *ReadingBuffer) Append(sessionID string, r session.Reading) {
	b.mu.Lock()
	b.pending = append(b.pending, pendingReading{sessionID: sessionID, reading: r})
	full := len(b.pending) >= b.batchSize
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Flush writes everything queued so far. The sessionID parameter names which
// session the caller is closing out; the write still drains the whole queue.
func (b *ReadingBuffer) Flush(ctx context.Context, _ string) error {
	return b.flush(ctx)
}

func (b *ReadingBuffer) flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := b.insert(ctx, batch); err != nil {
		// Requeue ahead of anything appended meanwhile.
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		b.mu.Unlock()
		return err
	}
	return nil
}

func (b *ReadingBuffer) insert(ctx context.Context, batch []pendingReading) error {
	tx, err := b.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO readings (session_id, at, spo2, heart_rate, finger_detected, signal_strength)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range batch {
		var spo2, heartRate interface{}
		if p.reading.SpO2Valid {
			spo2 = p.reading.SpO2
		}
		if p.reading.HeartRateValid {
			heartRate = p.reading.HeartRate
		}
		if _, err := stmt.ExecContext(ctx, p.sessionID, p.reading.Timestamp.Unix(),
			spo2, heartRate, boolToInt(p.reading.FingerDetected), p.reading.SignalStrength); err != nil {
			return fmt.Errorf("insert reading: %w", err)
		}
	}
	return tx.Commit()
}

// Close drains the queue and stops the flush loop.
func (b *ReadingBuffer) Close() {
	b.once.Do(func() {
		close(b.doneChan)
		b.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.flush(ctx); err != nil {
			b.logger.Printf("ReadingBuffer: final flush failed: %v", err)
		}
	})
}
