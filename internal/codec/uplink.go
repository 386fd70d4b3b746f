package codec

import (
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// UplinkInput contains the input of the uplink decode hook.
type UplinkInput struct {
	Bytes []byte
	FPort uint8
}

// UnmarshalJSON decodes the hook input. The bytes must be given as an array
// of integers in the range 0 - 255.
func (i *UplinkInput) UnmarshalJSON(b []byte) error {
	var in struct {
		Bytes []json.Number `json:"bytes"`
		FPort uint8         `json:"fPort"`
	}
	if err := json.Unmarshal(b, &in); err != nil {
		return errors.Wrap(err, "unmarshal uplink input error")
	}

	i.FPort = in.FPort
	i.Bytes = make([]byte, len(in.Bytes))
	for j, n := range in.Bytes {
		v, err := strconv.ParseUint(n.String(), 10, 8)
		if err != nil {
			return errors.Errorf("bytes[%d]: %s is not an unsigned 8 bit integer", j, n)
		}
		i.Bytes[j] = byte(v)
	}

	return nil
}

// UplinkOutput contains the output of the uplink decode hook. Either Data
// is set or Errors is not empty.
type UplinkOutput struct {
	Data     *Record
	Errors   []string
	Warnings []string
}

// MarshalJSON encodes the output as {"data": ...} on success or as
// {"errors": [...], "warnings": [...]} on failure.
func (o UplinkOutput) MarshalJSON() ([]byte, error) {
	if o.Data != nil {
		return json.Marshal(struct {
			Data *Record `json:"data"`
		}{o.Data})
	}

	warnings := o.Warnings
	if warnings == nil {
		warnings = []string{}
	}

	return json.Marshal(struct {
		Errors   []string `json:"errors"`
		Warnings []string `json:"warnings"`
	}{o.Errors, warnings})
}

// DecodeUplink implements the uplink decode hook.
func DecodeUplink(d Decoder, in UplinkInput) UplinkOutput {
	rec, err := d.Decode(in.Bytes)
	if err != nil {
		if de, ok := err.(*DecodeError); ok {
			return UplinkOutput{
				Errors:   de.Errors,
				Warnings: de.Warnings,
			}
		}
		return UplinkOutput{
			Errors:   []string{err.Error()},
			Warnings: []string{},
		}
	}

	return UplinkOutput{
		Data: &rec,
	}
}
