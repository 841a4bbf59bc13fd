package oximeter

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

type DeviceState int

const (
	Disconnected DeviceState = iota // 0
	Connecting                      // 1
	Connected                       // 2
)

// deviceImpl is a pulse oximeter seen during scanning, connectable by the
// Manager.
type deviceImpl struct {
	address         bluetooth.Address
	scanLastSeen    time.Time
	localName       string
	scanResult      *bluetooth.ScanResult
	connectedDevice *bluetooth.Device // nil while not connected
	mu              sync.RWMutex
	bleMu           sync.Mutex // serializes BLE characteristic operations
	scanTimeout     time.Duration
	logger          *log.Logger
	state           DeviceState
	serviceUUIDStrs []string

	// Discovery caches. Discovering a single service twice interrupts
	// notifications on the first, so everything is discovered once and cached.
	cacheMu                sync.RWMutex
	serviceByUUID          map[string]*bluetooth.DeviceService
	characteristicByUUID   map[string]*bluetooth.DeviceCharacteristic
	serviceCharsDiscovered map[string]bool
	allServicesDiscovered  bool
}

func newDeviceImpl(logger *log.Logger, address bluetooth.Address, scanTimeout time.Duration) *deviceImpl {
	if logger == nil {
		panic("logger must be non nil")
	}
	if scanTimeout <= 0 {
		panic("scanTimeout must be > 0")
	}
	return &deviceImpl{
		logger:                 logger,
		address:                address,
		localName:              "Unknown",
		scanTimeout:            scanTimeout,
		scanLastSeen:           time.Unix(0, 0),
		state:                  Disconnected,
		serviceByUUID:          make(map[string]*bluetooth.DeviceService),
		characteristicByUUID:   make(map[string]*bluetooth.DeviceCharacteristic),
		serviceCharsDiscovered: make(map[string]bool),
	}
}

func (d *deviceImpl) getAddress() bluetooth.Address {
	return d.address
}

func (d *deviceImpl) GetAddressString() string {
	return d.address.String()
}

func (d *deviceImpl) GetLocalName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.scanResult != nil {
		if name := d.scanResult.LocalName(); name != "" {
			return name
		}
	}
	return d.localName
}

func (d *deviceImpl) GetScanRSSI() (int16, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.scanResult == nil {
		return 0, errors.New("no rssi available")
	}
	return d.scanResult.RSSI, nil
}

func (d *deviceImpl) GetScanLastSeen() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.scanLastSeen
}

func (d *deviceImpl) setScanLastSeen(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scanLastSeen = t
}

func (d *deviceImpl) HasServiceUUID(uuid string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, u := range d.serviceUUIDStrs {
		if u == uuid {
			return true
		}
	}
	return false
}

func (d *deviceImpl) setServiceUUIDs(serviceUUIDs []bluetooth.UUID) {
	strs := make([]string, 0, len(serviceUUIDs))
	for _, uuid := range serviceUUIDs {
		strs = append(strs, uuid.String())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.serviceUUIDStrs = strs
}

func (d *deviceImpl) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connectedDevice != nil
}

func (d *deviceImpl) IsRecentlyScanned() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.scanResult == nil {
		return false
	}
	return time.Since(d.scanLastSeen) <= d.scanTimeout
}

func (d *deviceImpl) GetState() DeviceState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *deviceImpl) setState(state DeviceState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
}

func (d *deviceImpl) setScanResult(scanResult *bluetooth.ScanResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scanResult = scanResult
}

func (d *deviceImpl) setConnectedDevice(device *bluetooth.Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectedDevice = device
	if device == nil {
		// Caches hold handles from the dropped connection.
		d.cacheMu.Lock()
		d.serviceByUUID = make(map[string]*bluetooth.DeviceService)
		d.characteristicByUUID = make(map[string]*bluetooth.DeviceCharacteristic)
		d.serviceCharsDiscovered = make(map[string]bool)
		d.allServicesDiscovered = false
		d.cacheMu.Unlock()
	}
}

func (d *deviceImpl) getConnectedDevice() *bluetooth.Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connectedDevice
}

func (d *deviceImpl) EnableNotifications(
	serviceUUIDStr string,
	characteristicUUIDStr string,
	callbackFunc func(buf []byte)) error {

	d.bleMu.Lock()
	defer d.bleMu.Unlock()

	d.logger.Printf("Oximeter: EnableNotifications for service=%s char=%s", serviceUUIDStr, characteristicUUIDStr)

	characteristic, err := d.lookupCharacteristic(serviceUUIDStr, characteristicUUIDStr)
	if err != nil {
		return err
	}

	if err := characteristic.EnableNotifications(callbackFunc); err != nil {
		return fmt.Errorf("failed to enable notifications on %s: %w", characteristicUUIDStr, err)
	}
	return nil
}

func (d *deviceImpl) DisableNotifications(
	serviceUUIDStr string,
	characteristicUUIDStr string) error {

	d.bleMu.Lock()
	defer d.bleMu.Unlock()

	characteristic, err := d.lookupCharacteristic(serviceUUIDStr, characteristicUUIDStr)
	if err != nil {
		return err
	}

	// Nil callback disables notifications.
	if err := characteristic.EnableNotifications(nil); err != nil {
		return fmt.Errorf("failed to disable notifications on %s: %w", characteristicUUIDStr, err)
	}
	return nil
}

func (d *deviceImpl) ReadCharacteristic(
	serviceUUIDStr string,
	characteristicUUIDStr string) ([]byte, error) {

	d.bleMu.Lock()
	defer d.bleMu.Unlock()

	characteristic, err := d.lookupCharacteristic(serviceUUIDStr, characteristicUUIDStr)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 512)
	n, err := characteristic.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic: %w", err)
	}
	return buf[:n], nil
}

func (d *deviceImpl) lookupCharacteristic(serviceUUIDStr, characteristicUUIDStr string) (*bluetooth.DeviceCharacteristic, error) {
	serviceUUID, err := bluetooth.ParseUUID(serviceUUIDStr)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUUIDStr, err)
	}
	characteristicUUID, err := bluetooth.ParseUUID(characteristicUUIDStr)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", characteristicUUIDStr, err)
	}
	return d.getDeviceCharacteristic(serviceUUID, characteristicUUID)
}

func (d *deviceImpl) getDeviceService(serviceUUID bluetooth.UUID) (*bluetooth.DeviceService, error) {
	serviceUUIDStr := serviceUUID.String()

	d.cacheMu.RLock()
	service, ok := d.serviceByUUID[serviceUUIDStr]
	discovered := d.allServicesDiscovered
	d.cacheMu.RUnlock()
	if ok {
		return service, nil
	}

	if !discovered {
		connectedDevice := d.getConnectedDevice()
		if connectedDevice == nil {
			return nil, errors.New("no connected device")
		}

		// Discover everything at once (nil = all services).
		d.logger.Printf("Oximeter: Discovering all services for %s", d.GetAddressString())
		deviceServices, err := connectedDevice.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("error discovering services: %w", err)
		}

		d.cacheMu.Lock()
		for i := range deviceServices {
			svc := &deviceServices[i]
			d.serviceByUUID[svc.UUID().String()] = svc
		}
		d.allServicesDiscovered = true
		d.cacheMu.Unlock()
	}

	d.cacheMu.RLock()
	service, ok = d.serviceByUUID[serviceUUIDStr]
	d.cacheMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("service %v not found on device", serviceUUIDStr)
	}
	return service, nil
}

func (d *deviceImpl) getDeviceCharacteristic(serviceUUID, charUUID bluetooth.UUID) (*bluetooth.DeviceCharacteristic, error) {
	serviceUUIDStr := serviceUUID.String()
	comboKey := fmt.Sprintf("%s_%s", serviceUUIDStr, charUUID.String())

	d.cacheMu.RLock()
	characteristic, ok := d.characteristicByUUID[comboKey]
	charsDone := d.serviceCharsDiscovered[serviceUUIDStr]
	d.cacheMu.RUnlock()
	if ok {
		return characteristic, nil
	}

	if !charsDone {
		service, err := d.getDeviceService(serviceUUID)
		if err != nil {
			return nil, err
		}

		// Discover everything at once (nil = all characteristics).
		discoveredCharacteristics, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("could not discover characteristics for service %v: %w", serviceUUIDStr, err)
		}

		d.cacheMu.Lock()
		for i := range discoveredCharacteristics {
			char := &discoveredCharacteristics[i]
			key := fmt.Sprintf("%s_%s", serviceUUIDStr, char.UUID().String())
			d.characteristicByUUID[key] = char
		}
		d.serviceCharsDiscovered[serviceUUIDStr] = true
		d.cacheMu.Unlock()
	}

	d.cacheMu.RLock()
	characteristic, ok = d.characteristicByUUID[comboKey]
	d.cacheMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("characteristic %v not found in service %v", charUUID.String(), serviceUUIDStr)
	}
	return characteristic, nil
}
