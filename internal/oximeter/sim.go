package oximeter

import (
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/hakonstad/ihht-companion/internal/events"
	"github.com/hakonstad/ihht-companion/internal/goroutines"
	"github.com/hakonstad/ihht-companion/internal/session"
)

var _ Source = (*Simulator)(nil)

// Simulator is a software pulse oximeter for development and demos. It emits
// one reading per second; SpO2 drifts toward a target derived from the
// simulated altitude level, so the adaptive behaviour of a session can be
// exercised end to end without hardware.
type Simulator struct {
	logger *log.Logger

	mu             sync.Mutex
	altitudeLevel  int
	breathingHypox bool
	fingerDetected bool
	spo2           float64
	heartRate      float64
	rng            *rand.Rand

	readingEvent    *events.Emitter[session.Reading]
	connectionEvent *events.Emitter[bool]

	doneChan     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

func NewSimulator(logger *log.Logger) *Simulator {
	if logger == nil {
		panic("Simulator: logger cannot be nil")
	}
	return &Simulator{
		logger:          logger,
		fingerDetected:  true,
		spo2:            97,
		heartRate:       68,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		readingEvent:    events.NewEmitter[session.Reading](false),
		connectionEvent: events.NewEmitter[bool](true),
		doneChan:        make(chan struct{}),
	}
}

// Start begins emitting readings at 1 Hz and reports the sensor as connected.
func (s *Simulator) Start() {
	s.logger.Println("Simulator: Starting")
	s.connectionEvent.Emit(true)

	s.wg.Add(1)
	goroutines.SafeGo(s.logger, func() {
		defer s.wg.Done()

		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-s.doneChan:
				return
			case <-ticker.C:
				s.readingEvent.Emit(s.nextReading())
			}
		}
	})
}

// SetAltitudeLevel sets the simulated altitude level (0-10). Higher levels
// pull the simulated SpO2 down further while breathing hypoxic air.
func (s *Simulator) SetAltitudeLevel(level int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < 0 {
		level = 0
	}
	if level > 10 {
		level = 10
	}
	s.altitudeLevel = level
}

// SetHypoxic switches the simulated gas mixture: true while the user breathes
// hypoxic air, false during hyperoxic recovery.
func (s *Simulator) SetHypoxic(hypoxic bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breathingHypox = hypoxic
}

// SetFingerDetected simulates placing or removing the finger clip.
func (s *Simulator) SetFingerDetected(detected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fingerDetected = detected
}

// SetConnected simulates the sensor link dropping or coming back, without
// stopping the reading loop.
func (s *Simulator) SetConnected(connected bool) {
	s.connectionEvent.Emit(connected)
}

func (s *Simulator) nextReading() session.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.fingerDetected {
		return session.Reading{Timestamp: time.Now(), FingerDetected: false}
	}

	// SpO2 relaxes toward a target set by the gas mixture and altitude level.
	// Desaturation and resaturation both take tens of seconds, like a real
	// finger sensor.
	target := 97.0
	if s.breathingHypox {
		target = 96.0 - 1.3*float64(s.altitudeLevel)
	}
	s.spo2 += (target - s.spo2) * 0.06
	s.spo2 += s.rng.Float64()*0.8 - 0.4
	if s.spo2 > 100 {
		s.spo2 = 100
	}
	if s.spo2 < 60 {
		s.spo2 = 60
	}

	// Heart rate compensates for desaturation.
	hrTarget := 68 + (97-s.spo2)*2.2
	s.heartRate += (hrTarget - s.heartRate) * 0.1
	s.heartRate += s.rng.Float64()*2 - 1

	return session.Reading{
		Timestamp:      time.Now(),
		SpO2:           int(s.spo2 + 0.5),
		SpO2Valid:      true,
		HeartRate:      int(s.heartRate + 0.5),
		HeartRateValid: true,
		FingerDetected: true,
		SignalStrength: 85 + s.rng.Intn(15),
	}
}

func (s *Simulator) ListenToReadings(fn func(session.Reading)) func() {
	return s.readingEvent.Subscribe(fn)
}

func (s *Simulator) ListenToConnection(fn func(connected bool)) func() {
	return s.connectionEvent.Subscribe(fn)
}

// Shutdown stops the reading loop and reports the sensor as disconnected.
func (s *Simulator) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.logger.Println("Simulator: Shutting down")
		close(s.doneChan)
		s.wg.Wait()
		s.connectionEvent.Emit(false)
	})
}
