package marshaler

import (
	"bytes"

	"github.com/golang/protobuf/jsonpb"
	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-api/go/v3/as/integration"
)

// Type defines the marshaler type.
type Type int

// Marshaler types.
const (
	JSON Type = iota
	Protobuf
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case JSON:
		return "json"
	case Protobuf:
		return "protobuf"
	default:
		return "unknown"
	}
}

// GetType returns the marshaler type for the given name. An empty name
// returns false, meaning the type of the received event must be used.
func GetType(name string) (Type, bool, error) {
	switch name {
	case "":
		return JSON, false, nil
	case "json":
		return JSON, true, nil
	case "protobuf":
		return Protobuf, true, nil
	default:
		return JSON, false, errors.Errorf("unknown marshaler: %s", name)
	}
}

// UnmarshalUplinkEvent unmarshals an UplinkEvent. JSON payloads are detected
// by their leading '{', everything else is handled as Protobuf.
func UnmarshalUplinkEvent(b []byte, ev *integration.UplinkEvent) (Type, error) {
	var t Type

	if bytes.HasPrefix(bytes.TrimSpace(b), []byte("{")) {
		t = JSON
	} else {
		t = Protobuf
	}

	switch t {
	case Protobuf:
		return t, proto.Unmarshal(b, ev)
	case JSON:
		m := jsonpb.Unmarshaler{
			AllowUnknownFields: true,
		}
		return t, m.Unmarshal(bytes.NewReader(b), ev)
	}

	return t, nil
}

// Marshal marshals the given message.
func Marshal(t Type, msg proto.Message) ([]byte, error) {
	var b []byte
	var err error

	switch t {
	case Protobuf:
		b, err = proto.Marshal(msg)
	case JSON:
		var str string
		m := &jsonpb.Marshaler{
			EmitDefaults: true,
		}
		str, err = m.MarshalToString(msg)
		b = []byte(str)
	default:
		err = errors.Errorf("unknown marshaler type: %d", t)
	}

	return b, err
}

// ContentType returns the content-type for the given marshaler type.
func ContentType(t Type) string {
	switch t {
	case Protobuf:
		return "application/octet-stream"
	default:
		return "application/json"
	}
}
