// Package oximeter connects to BLE pulse oximeters exposing the standard
// Pulse Oximeter Service and turns their notifications into readings for the
// session layer. A simulator backend is provided for development without
// hardware.
package oximeter

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/hakonstad/ihht-companion/internal/events"
	"github.com/hakonstad/ihht-companion/internal/goroutines"
	"github.com/hakonstad/ihht-companion/internal/session"
)

// Source delivers oximeter readings and sensor connection state. Both the
// BLE Manager and the Simulator satisfy it, so the session wiring does not
// care which backend is in use.
type Source interface {
	ListenToReadings(fn func(session.Reading)) func()
	ListenToConnection(fn func(connected bool)) func()
	Shutdown()
}

var _ Source = (*Manager)(nil)

// heartRateMergeWindow bounds how stale a Heart Rate Service sample may be
// before it no longer backfills a PLX reading missing a pulse value.
const heartRateMergeWindow = 5 * time.Second

// Manager scans for, connects to and streams data from a BLE pulse oximeter.
// It auto-connects to the strongest oximeter in range and reconnects after
// drops; connection state is surfaced through ListenToConnection.
type Manager struct {
	adapter          *bluetooth.Adapter
	devicesByAddress map[string]*deviceImpl
	mu               sync.RWMutex
	scanning         bool
	scanTimeout      time.Duration
	scanContext      context.Context
	scanCancel       context.CancelFunc
	activeAddress    string

	readingEvent    *events.Emitter[session.Reading]
	connectionEvent *events.Emitter[bool]

	lastHeartRate   int
	lastHeartRateAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *log.Logger
}

func NewManager(adapter *bluetooth.Adapter, logger *log.Logger, scanTimeout ...time.Duration) *Manager {
	if logger == nil {
		panic("Manager: logger cannot be nil")
	}
	timeout := 10 * time.Second
	if len(scanTimeout) > 0 && scanTimeout[0] > 0 {
		timeout = scanTimeout[0]
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		adapter:          adapter,
		devicesByAddress: make(map[string]*deviceImpl),
		scanTimeout:      timeout,
		readingEvent:     events.NewEmitter[session.Reading](false),
		connectionEvent:  events.NewEmitter[bool](true),
		ctx:              ctx,
		cancel:           cancel,
		logger:           logger,
	}
}

// ListenToReadings registers fn for every parsed oximeter reading.
func (m *Manager) ListenToReadings(fn func(session.Reading)) func() {
	return m.readingEvent.Subscribe(fn)
}

// ListenToConnection registers fn for sensor connect/disconnect transitions.
// The current state is replayed to new subscribers.
func (m *Manager) ListenToConnection(fn func(connected bool)) func() {
	return m.connectionEvent.Subscribe(fn)
}

func (m *Manager) getDeviceImpl(address bluetooth.Address) (*deviceImpl, bool) {
	addressStr := address.String()

	m.mu.Lock()
	defer m.mu.Unlock()

	result, ok := m.devicesByAddress[addressStr]
	if !ok {
		result = newDeviceImpl(m.logger, address, m.scanTimeout)
		m.devicesByAddress[addressStr] = result
	}
	return result, !ok
}

// Enable initialises the adapter and installs the connection handler.
func (m *Manager) Enable() error {
	m.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addressStr := device.Address.String()
		d, _ := m.getDeviceImpl(device.Address)

		if connected {
			m.logger.Printf("Oximeter: Device connected: %s", addressStr)
			d.setConnectedDevice(&device)
			d.setState(Connected)

			m.mu.Lock()
			active := m.activeAddress == addressStr
			m.mu.Unlock()
			if active {
				m.wg.Add(1)
				goroutines.SafeGo(m.logger, func() {
					defer m.wg.Done()
					if err := m.setupStreams(d); err != nil {
						m.logger.Printf("Oximeter: Stream setup failed for %s: %v", addressStr, err)
						return
					}
					m.connectionEvent.Emit(true)
				})
			}
		} else {
			m.logger.Printf("Oximeter: Device disconnected: %s", addressStr)
			d.setConnectedDevice(nil)
			d.setState(Disconnected)

			m.mu.Lock()
			active := m.activeAddress == addressStr
			if active {
				m.activeAddress = ""
			}
			m.mu.Unlock()
			if active {
				m.connectionEvent.Emit(false)
			}
		}
	})

	return m.adapter.Enable()
}

// StartAutoConnect scans for pulse oximeters and keeps the strongest one in
// range connected, reconnecting after drops, until Shutdown.
func (m *Manager) StartAutoConnect() {
	m.startScan(GetScanServiceUUIDs())

	m.wg.Add(1)
	goroutines.SafeGo(m.logger, func() {
		defer m.wg.Done()
		defer m.logger.Printf("Oximeter: exiting auto-connect loop")

		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.tryConnectBest()
			}
		}
	})
}

func (m *Manager) tryConnectBest() {
	m.mu.RLock()
	if m.activeAddress != "" {
		m.mu.RUnlock()
		return
	}
	var best *deviceImpl
	var bestRSSI int16 = -128
	for _, d := range m.devicesByAddress {
		if !d.IsRecentlyScanned() || d.GetState() != Disconnected {
			continue
		}
		rssi, err := d.GetScanRSSI()
		if err != nil {
			continue
		}
		if best == nil || rssi > bestRSSI {
			best = d
			bestRSSI = rssi
		}
	}
	m.mu.RUnlock()

	if best == nil {
		return
	}
	if err := m.connect(best); err != nil {
		m.logger.Printf("Oximeter: Connect to %s failed: %v", best.GetAddressString(), err)
	}
}

func (m *Manager) connect(d *deviceImpl) error {
	addressStr := d.GetAddressString()
	m.logger.Printf("Oximeter: Attempting to connect to %s (%s)", d.GetLocalName(), addressStr)

	m.mu.Lock()
	m.activeAddress = addressStr
	m.mu.Unlock()

	_, err := m.adapter.Connect(d.getAddress(), bluetooth.ConnectionParams{})
	if err != nil {
		m.mu.Lock()
		m.activeAddress = ""
		m.mu.Unlock()
		return err
	}

	d.setState(Connecting)
	// Success or failure is reported asynchronously via SetConnectHandler.
	return nil
}

// setupStreams walks the stream registry and subscribes to every notification
// stream the connected device offers. The PLX continuous stream is mandatory;
// optional streams are skipped when the device does not advertise the service.
// Read-mode streams are read once after subscribing.
func (m *Manager) setupStreams(d *deviceImpl) error {
	for _, stream := range GetNotifyStreams() {
		handler := m.streamHandler(stream.ID)
		if handler == nil {
			continue
		}
		if stream.ID == StreamPLXContinuous {
			if err := d.EnableNotifications(stream.ServiceUUID, stream.CharacteristicUUID, handler); err != nil {
				return fmt.Errorf("%s stream: %w", stream.DisplayName, err)
			}
			continue
		}
		if !d.HasServiceUUID(stream.ServiceUUID) {
			continue
		}
		if err := d.EnableNotifications(stream.ServiceUUID, stream.CharacteristicUUID, handler); err != nil {
			m.logger.Printf("Oximeter: No %s stream on %s: %v", stream.DisplayName, d.GetAddressString(), err)
		}
	}

	for _, stream := range AllDataStreams {
		if stream.Mode != ModeRead {
			continue
		}
		if buf, err := d.ReadCharacteristic(stream.ServiceUUID, stream.CharacteristicUUID); err == nil && len(buf) > 0 {
			m.logger.Printf("Oximeter: %s: %d%%", stream.DisplayName, buf[0])
		}
	}

	return nil
}

// streamHandler maps a notify stream to the callback that parses its frames.
func (m *Manager) streamHandler(id DataStreamID) func(buf []byte) {
	switch id {
	case StreamPLXContinuous:
		return m.handlePLXContinuous
	case StreamHeartRate:
		return m.handleHeartRate
	default:
		return nil
	}
}

func (m *Manager) handlePLXContinuous(buf []byte) {
	reading, err := ParsePLXContinuous(buf, time.Now())
	if err != nil {
		m.logger.Printf("Oximeter: Dropping malformed PLX frame: %v", err)
		return
	}

	if !reading.HeartRateValid && reading.FingerDetected {
		m.mu.RLock()
		if m.lastHeartRate > 0 && time.Since(m.lastHeartRateAt) <= heartRateMergeWindow {
			reading.HeartRate = m.lastHeartRate
			reading.HeartRateValid = true
		}
		m.mu.RUnlock()
	}

	m.readingEvent.Emit(reading)
}

func (m *Manager) handleHeartRate(buf []byte) {
	hr, err := ParseHeartRateMeasurement(buf)
	if err != nil {
		m.logger.Printf("Oximeter: Dropping malformed heart rate frame: %v", err)
		return
	}
	m.mu.Lock()
	m.lastHeartRate = hr
	m.lastHeartRateAt = time.Now()
	m.mu.Unlock()
}

func (m *Manager) startScan(serviceUUIDFilter []string) {
	m.logger.Println("Oximeter: Starting scan")
	m.mu.Lock()

	filterSet := make(map[string]struct{})
	for _, filter := range serviceUUIDFilter {
		filterSet[filter] = struct{}{}
	}

	if m.scanning && m.scanCancel != nil {
		m.logger.Printf("Oximeter: A scan is already running, restarting")
		m.scanCancel()
	}

	m.scanning = true
	m.scanContext, m.scanCancel = context.WithCancel(m.ctx)
	scanCtx := m.scanContext
	m.mu.Unlock()

	m.wg.Add(1)
	goroutines.SafeGo(m.logger, func() {
		m.cleanupStaleDevices(scanCtx)
	})

	m.wg.Add(1)
	goroutines.SafeGo(m.logger, func() {
		defer m.wg.Done()
		defer m.logger.Printf("Oximeter: exiting scan handling loop")

		err := m.adapter.Scan(func(adapter *bluetooth.Adapter, device bluetooth.ScanResult) {
			select {
			case <-scanCtx.Done():
				return
			default:
			}

			if len(filterSet) > 0 {
				found := false
				for _, uuid := range device.ServiceUUIDs() {
					if _, ok := filterSet[uuid.String()]; ok {
						found = true
						break
					}
				}
				if !found {
					return
				}
			}

			d, isNew := m.getDeviceImpl(device.Address)
			d.setScanResult(&device)
			d.setScanLastSeen(time.Now())
			if isNew {
				d.setServiceUUIDs(device.ServiceUUIDs())
				name := device.LocalName()
				if name == "" {
					name = "Unknown"
				}
				m.logger.Printf("Oximeter: Found device: %s (%s) [RSSI: %d]", name, device.Address.String(), device.RSSI)
			}
		})
		if err != nil {
			m.logger.Printf("Oximeter: Scan error: %v", err)
		}
	})
}

func (m *Manager) cleanupStaleDevices(ctx context.Context) {
	defer m.wg.Done()
	defer m.logger.Printf("Oximeter: exiting cleanup stale devices loop")
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			var removed []string
			for addr, d := range m.devicesByAddress {
				if addr == m.activeAddress || d.IsConnected() {
					continue
				}
				if time.Since(d.GetScanLastSeen()) > m.scanTimeout {
					delete(m.devicesByAddress, addr)
					removed = append(removed, addr)
				}
			}
			m.mu.Unlock()

			for _, addr := range removed {
				m.logger.Printf("Oximeter: Device timeout: %s (not seen for %v)", addr, m.scanTimeout)
			}
		}
	}
}

// StopScan stops the adapter scan and the scan bookkeeping goroutines.
func (m *Manager) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanning = false
	if m.scanCancel != nil {
		m.scanCancel()
		m.scanCancel = nil
	}
	return m.adapter.StopScan()
}

// Shutdown unsubscribes and disconnects any connected device, stops scanning
// and waits for all goroutines to finish.
func (m *Manager) Shutdown() {
	m.logger.Println("Oximeter: Shutting down")

	m.mu.RLock()
	var connected []*deviceImpl
	for _, d := range m.devicesByAddress {
		if d.IsConnected() {
			connected = append(connected, d)
		}
	}
	m.mu.RUnlock()

	for _, d := range connected {
		for _, stream := range GetNotifyStreams() {
			if !d.HasServiceUUID(stream.ServiceUUID) && stream.ID != StreamPLXContinuous {
				continue
			}
			if err := d.DisableNotifications(stream.ServiceUUID, stream.CharacteristicUUID); err != nil {
				m.logger.Printf("Oximeter: Error disabling %s on %v: %v", stream.DisplayName, d.GetAddressString(), err)
			}
		}
		if inner := d.getConnectedDevice(); inner != nil {
			if err := inner.Disconnect(); err != nil {
				m.logger.Printf("Oximeter: Error disconnecting from %v: %v", d.GetAddressString(), err)
			}
		}
	}

	if err := m.StopScan(); err != nil {
		m.logger.Printf("Oximeter: Error stopping scan: %v", err)
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Println("Oximeter: Shutdown complete")
}
