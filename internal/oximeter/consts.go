package oximeter

// Bluetooth Service and Characteristic UUIDs for pulse oximetry
const (
	// Pulse Oximeter Service (PLX)
	ServiceUUIDPulseOximeter = "00001822-0000-1000-8000-00805f9b34fb"
	CharUUIDPLXContinuous    = "00002a5f-0000-1000-8000-00805f9b34fb"

	// Heart Rate Service (some finger oximeters expose HR here instead of
	// the PLX pulse rate field)
	ServiceUUIDHeartRate         = "0000180d-0000-1000-8000-00805f9b34fb"
	CharUUIDHeartRateMeasurement = "00002a37-0000-1000-8000-00805f9b34fb"

	// Battery Service
	ServiceUUIDBattery   = "0000180f-0000-1000-8000-00805f9b34fb"
	CharUUIDBatteryLevel = "00002a19-0000-1000-8000-00805f9b34fb"
)

// CharacteristicMode defines how we interact with a characteristic
type CharacteristicMode int

const (
	ModeNotify CharacteristicMode = iota // subscribe to notifications
	ModeRead                             // one-time read
)

// DataStreamID uniquely identifies a data stream
type DataStreamID string

const (
	StreamPLXContinuous DataStreamID = "plx_continuous"
	StreamHeartRate     DataStreamID = "heart_rate"
	StreamBatteryLevel  DataStreamID = "battery_level"
)

// DataStream defines a service/characteristic combo for a specific data need
type DataStream struct {
	ID                 DataStreamID
	DisplayName        string
	ServiceUUID        string
	CharacteristicUUID string
	Mode               CharacteristicMode
}

var (
	DataStreamPLXContinuous = DataStream{
		ID:                 StreamPLXContinuous,
		DisplayName:        "SpO2 Continuous",
		ServiceUUID:        ServiceUUIDPulseOximeter,
		CharacteristicUUID: CharUUIDPLXContinuous,
		Mode:               ModeNotify,
	}
	DataStreamHeartRate = DataStream{
		ID:                 StreamHeartRate,
		DisplayName:        "Heart Rate",
		ServiceUUID:        ServiceUUIDHeartRate,
		CharacteristicUUID: CharUUIDHeartRateMeasurement,
		Mode:               ModeNotify,
	}
	DataStreamBatteryLevel = DataStream{
		ID:                 StreamBatteryLevel,
		DisplayName:        "Battery Level",
		ServiceUUID:        ServiceUUIDBattery,
		CharacteristicUUID: CharUUIDBatteryLevel,
		Mode:               ModeRead,
	}
)

// AllDataStreams is the registry of all supported data streams
var AllDataStreams = []DataStream{
	DataStreamPLXContinuous,
	DataStreamHeartRate,
	DataStreamBatteryLevel,
}

// GetNotifyStreams returns all streams that use notifications
func GetNotifyStreams() []DataStream {
	var result []DataStream
	for _, s := range AllDataStreams {
		if s.Mode == ModeNotify {
			result = append(result, s)
		}
	}
	return result
}

// GetScanServiceUUIDs returns the service UUIDs that qualify a scanned device
// as a pulse oximeter.
func GetScanServiceUUIDs() []string {
	return []string{ServiceUUIDPulseOximeter}
}
