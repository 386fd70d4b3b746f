// Package codec implements the DHT22 uplink payload codec.
//
// A payload holds the following big-endian fields, all scaled by 100:
//
//	0-1  temperature (int16, °C)
//	2-3  humidity    (uint16, %RH)
//	4-5  battery     (uint16, V)
//	6    solar flag  (uint8, solar format only)
package codec

import (
	"encoding/binary"
	"fmt"
)

// SensorDHT22 identifies the DHT22 sensor model.
const SensorDHT22 = "DHT22"

// Values sent by the device when the sensor could not be read.
const (
	faultTemperature = -999.0
	faultHumidity    = -1.0
)

// scale defines the fixed-point divisor of all the 16 bit fields.
const scale = 100.0

// Record contains a decoded payload.
type Record struct {
	Temperature   float64 `json:"temperature"`
	Humidity      float64 `json:"humidity"`
	Battery       float64 `json:"battery"`
	SolarCharging *bool   `json:"solar_charging,omitempty"`
	Valid         bool    `json:"valid"`
	Sensor        string  `json:"sensor"`
	PayloadSize   int     `json:"payload_size"`
}

// Decoder decodes payloads of a single format. The zero value is not
// usable, use NewDecoder.
type Decoder struct {
	format Format
}

// NewDecoder creates a new Decoder for the given format.
func NewDecoder(f Format) Decoder {
	return Decoder{format: f}
}

// Format returns the format of the decoder.
func (d Decoder) Format() Format {
	return d.format
}

// Decode decodes the given payload. On error, the returned error is of type
// *DecodeError.
func (d Decoder) Decode(b []byte) (Record, error) {
	if len(b) != d.format.Size {
		return Record{}, newDecodeError(fmt.Sprintf("invalid payload size: expected %d bytes, got %d", d.format.Size, len(b)))
	}

	rec := Record{
		Temperature: float64(int16(binary.BigEndian.Uint16(b[0:2]))) / scale,
		Humidity:    float64(binary.BigEndian.Uint16(b[2:4])) / scale,
		Battery:     float64(binary.BigEndian.Uint16(b[4:6])) / scale,
		Sensor:      SensorDHT22,
		PayloadSize: len(b),
	}
	rec.Valid = sensorValid(rec.Temperature, rec.Humidity)

	if d.format.SolarFlag {
		charging := b[6] != 0
		rec.SolarCharging = &charging
	}

	return rec, nil
}

// Decode decodes the given payload using the given format.
func Decode(f Format, b []byte) (Record, error) {
	return NewDecoder(f).Decode(b)
}

// sensorValid compares the scaled values against the fault values using
// exact equality. Both operands are exactly representable.
func sensorValid(temperature, humidity float64) bool {
	return temperature != faultTemperature && humidity != faultHumidity
}
