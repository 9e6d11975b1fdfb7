package incview

import "fmt"

type TypeID int

const (
	TypeIDNull TypeID = iota
	TypeIDInt
	TypeIDFloat
	TypeIDBoolean
	TypeIDString
	TypeIDTime
	TypeIDList
)

func (t TypeID) String() string {
	switch t {
	case TypeIDNull:
		return "null"
	case TypeIDInt:
		return "int"
	case TypeIDFloat:
		return "float"
	case TypeIDBoolean:
		return "boolean"
	case TypeIDString:
		return "string"
	case TypeIDTime:
		return "time"
	case TypeIDList:
		return "list"
	default:
		panic("impossible, type switch bug")
	}
}

// ParseTypeID maps a textual type name, as used in catalog definitions,
// to its TypeID.
func ParseTypeID(name string) (TypeID, error) {
	switch name {
	case "null":
		return TypeIDNull, nil
	case "int":
		return TypeIDInt, nil
	case "float":
		return TypeIDFloat, nil
	case "boolean":
		return TypeIDBoolean, nil
	case "string":
		return TypeIDString, nil
	case "time":
		return TypeIDTime, nil
	case "list":
		return TypeIDList, nil
	default:
		return TypeIDNull, fmt.Errorf("unknown type name: %s", name)
	}
}
