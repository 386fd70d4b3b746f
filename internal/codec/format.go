package codec

import (
	"github.com/pkg/errors"
)

// ErrUnknownFormat is returned when a format name can not be resolved.
var ErrUnknownFormat = errors.New("unknown payload format")

// Format defines a payload format version. All formats share the same
// leading temperature, humidity and battery fields.
type Format struct {
	Name string

	// Size holds the exact payload size in bytes.
	Size int

	// SolarFlag indicates the payload carries the solar-charging byte
	// directly after the battery field.
	SolarFlag bool
}

// Available payload formats.
var (
	BasicFormat = Format{Name: "basic", Size: 6}
	SolarFormat = Format{Name: "solar", Size: 7, SolarFlag: true}
)

// Formats returns all the available payload formats.
func Formats() []Format {
	return []Format{BasicFormat, SolarFormat}
}

// GetFormat returns the format matching the given name.
func GetFormat(name string) (Format, error) {
	for _, f := range Formats() {
		if f.Name == name {
			return f, nil
		}
	}

	return Format{}, errors.Wrapf(ErrUnknownFormat, "format: %s", name)
}

// String implements fmt.Stringer.
func (f Format) String() string {
	return f.Name
}
