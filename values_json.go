package incview

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// The wire shape used to round-trip values through operator storage.
type valueJSON struct {
	Type    string    `json:"t"`
	Int     int       `json:"i,omitempty"`
	Float   float64   `json:"f,omitempty"`
	Boolean bool      `json:"b,omitempty"`
	Str     string    `json:"s,omitempty"`
	Time    time.Time `json:"ts,omitempty"`
	List    []Value   `json:"l,omitempty"`
}

func (value Value) MarshalJSON() ([]byte, error) {
	out := valueJSON{Type: value.TypeID.String()}
	switch value.TypeID {
	case TypeIDNull:
	case TypeIDInt:
		out.Int = value.Int
	case TypeIDFloat:
		out.Float = value.Float
	case TypeIDBoolean:
		out.Boolean = value.Boolean
	case TypeIDString:
		out.Str = value.Str
	case TypeIDTime:
		out.Time = value.Time
	case TypeIDList:
		out.List = value.List
	default:
		panic("impossible, type switch bug")
	}
	return json.Marshal(out)
}

func (value *Value) UnmarshalJSON(data []byte) error {
	var in valueJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return errors.Wrap(err, "couldn't unmarshal value wire shape")
	}
	typeID, err := ParseTypeID(in.Type)
	if err != nil {
		return errors.Wrap(err, "couldn't parse value type")
	}
	*value = Value{TypeID: typeID}
	switch typeID {
	case TypeIDNull:
	case TypeIDInt:
		value.Int = in.Int
	case TypeIDFloat:
		value.Float = in.Float
	case TypeIDBoolean:
		value.Boolean = in.Boolean
	case TypeIDString:
		value.Str = in.Str
	case TypeIDTime:
		value.Time = in.Time
	case TypeIDList:
		value.List = in.List
	default:
		panic("impossible, type switch bug")
	}
	return nil
}
