package oximeter

import (
	"fmt"
	"math"
	"time"

	"github.com/hakonstad/ihht-companion/internal/session"
)

// IEEE-11073 16-bit SFLOAT special values (PLX measurements use SFLOAT
// encoding for SpO2 and pulse rate).
const (
	sfloatNaN         = 0x07FF
	sfloatNRes        = 0x0800
	sfloatPositiveInf = 0x07FE
	sfloatNegativeInf = 0x0802
	sfloatReservedBit = 0x0801
)

// decodeSFloat decodes an IEEE-11073 16-bit SFLOAT: 4-bit signed exponent,
// 12-bit signed mantissa. ok is false for NaN and the other special values.
func decodeSFloat(raw uint16) (float64, bool) {
	mantissa := int(raw & 0x0FFF)
	switch mantissa {
	case sfloatNaN, sfloatNRes, sfloatPositiveInf, sfloatNegativeInf, sfloatReservedBit:
		return 0, false
	}

	if mantissa >= 0x0800 {
		mantissa -= 0x1000
	}
	exponent := int(raw >> 12)
	if exponent >= 0x08 {
		exponent -= 0x10
	}
	return float64(mantissa) * math.Pow(10, float64(exponent)), true
}

// PLX Continuous Measurement flag bits (PLXS 1.0 spec)
const (
	plxFlagFastPresent           = 1 << 0 // SpO2PR-Fast field present
	plxFlagSlowPresent           = 1 << 1 // SpO2PR-Slow field present
	plxFlagMeasurementStatus     = 1 << 2 // Measurement Status field present
	plxFlagDeviceAndSensorStatus = 1 << 3 // Device and Sensor Status field present
	plxFlagPulseAmplitudeIndex   = 1 << 4 // Pulse Amplitude Index field present
)

// Device and Sensor Status bits that matter for finger detection
const (
	plxStatusSensorUnconnected  = 1 << 11 // sensor not connected to user
	plxStatusSensorDisconnected = 1 << 15 // sensor unplugged from device
)

// ParsePLXContinuous parses a PLX Continuous Measurement notification into a
// Reading stamped with at. Out-of-range or NaN SpO2/pulse values produce a
// reading with the corresponding Valid flag cleared, never a zero that could
// be mistaken for a desaturation.
// See: https://www.bluetooth.com/specifications/specs/pulse-oximeter-service-1-0/
func ParsePLXContinuous(buf []byte, at time.Time) (session.Reading, error) {
	if len(buf) < 5 {
		return session.Reading{}, fmt.Errorf("PLX continuous data too short: %d bytes", len(buf))
	}

	flags := buf[0]
	offset := 1

	reading := session.Reading{Timestamp: at, FingerDetected: true, SignalStrength: 100}

	// SpO2PR-Normal: SpO2 (SFLOAT, percent) then Pulse Rate (SFLOAT, bpm).
	rawSpO2 := uint16(buf[offset]) | uint16(buf[offset+1])<<8
	offset += 2
	rawPulse := uint16(buf[offset]) | uint16(buf[offset+1])<<8
	offset += 2

	if spo2, ok := decodeSFloat(rawSpO2); ok && spo2 >= 0 && spo2 <= 100 {
		reading.SpO2 = int(math.Round(spo2))
		reading.SpO2Valid = true
	}
	if pulse, ok := decodeSFloat(rawPulse); ok && pulse > 0 && pulse < 300 {
		reading.HeartRate = int(math.Round(pulse))
		reading.HeartRateValid = true
	}

	// Skip the fast and slow SpO2PR variants; the normal field is enough.
	if flags&plxFlagFastPresent != 0 {
		offset += 4
	}
	if flags&plxFlagSlowPresent != 0 {
		offset += 4
	}
	if flags&plxFlagMeasurementStatus != 0 {
		offset += 2
	}

	if flags&plxFlagDeviceAndSensorStatus != 0 {
		if offset+3 > len(buf) {
			return session.Reading{}, fmt.Errorf("buffer too short for device status at offset %d", offset)
		}
		status := uint32(buf[offset]) | uint32(buf[offset+1])<<8 | uint32(buf[offset+2])<<16
		offset += 3

		if status&(plxStatusSensorUnconnected|plxStatusSensorDisconnected) != 0 {
			reading.FingerDetected = false
			reading.SpO2Valid = false
			reading.HeartRateValid = false
		}
	}

	if flags&plxFlagPulseAmplitudeIndex != 0 {
		if offset+2 > len(buf) {
			return session.Reading{}, fmt.Errorf("buffer too short for pulse amplitude at offset %d", offset)
		}
		rawPAI := uint16(buf[offset]) | uint16(buf[offset+1])<<8
		if pai, ok := decodeSFloat(rawPAI); ok {
			// PAI runs roughly 0-20%; scale into the 0-100 signal gauge.
			strength := int(math.Round(pai * 5))
			if strength > 100 {
				strength = 100
			}
			if strength < 0 {
				strength = 0
			}
			reading.SignalStrength = strength
		}
	}

	return reading, nil
}

// ParseHeartRateMeasurement parses a Heart Rate Measurement notification.
// See: https://www.bluetooth.com/specifications/specs/heart-rate-service-1-0/
func ParseHeartRateMeasurement(buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, fmt.Errorf("heart rate data too short: %d bytes", len(buf))
	}

	flags := buf[0]
	// Bit 0: 0 = UINT8, 1 = UINT16
	if flags&0x01 != 0 {
		if len(buf) < 3 {
			return 0, fmt.Errorf("heart rate UINT16 data too short: %d bytes", len(buf))
		}
		return int(uint16(buf[1]) | uint16(buf[2])<<8), nil
	}
	return int(buf[1]), nil
}

// EncodeSFloat encodes a small non-negative value as an IEEE-11073 SFLOAT
// with exponent 0. Used by the simulator to produce well-formed PLX frames.
func EncodeSFloat(value int) uint16 {
	return uint16(value) & 0x0FFF
}
