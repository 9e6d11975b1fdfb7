package catalog

import (
	"bufio"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/fastjson"

	"github.com/incview/incview"
	"github.com/incview/incview/ivm"
)

// LoadJSONRows reads newline-delimited JSON objects and converts them to
// rows of the given schema. Fields absent from the object come out null;
// fields not declared in the schema are an error, matching what the
// source would reject anyway.
func LoadJSONRows(path string, schema *ivm.Schema) ([]ivm.Row, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't open data file")
	}
	defer file.Close()

	types := make(map[string]incview.TypeID, len(schema.Columns))
	for _, column := range schema.Columns {
		types[column.Name] = column.Type
	}

	var rows []ivm.Row
	var parser fastjson.Parser
	scanner := bufio.NewScanner(file)
	scanner.Buffer(nil, 10*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		object, err := parser.ParseBytes(scanner.Bytes())
		if err != nil {
			return nil, errors.Wrapf(err, "couldn't parse json on line %d", line)
		}
		row, err := decodeRow(object, types)
		if err != nil {
			return nil, errors.Wrapf(err, "couldn't decode row on line %d", line)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "couldn't read data file")
	}
	return rows, nil
}

func decodeRow(object *fastjson.Value, types map[string]incview.TypeID) (ivm.Row, error) {
	fields, err := object.Object()
	if err != nil {
		return nil, errors.Wrap(err, "row is not a json object")
	}

	row := make(ivm.Row, fields.Len())
	var outErr error
	fields.Visit(func(key []byte, value *fastjson.Value) {
		if outErr != nil {
			return
		}
		name := string(key)
		typeID, ok := types[name]
		if !ok {
			outErr = errors.Errorf("unknown field %q", name)
			return
		}
		decoded, err := decodeValue(value, typeID)
		if err != nil {
			outErr = errors.Wrapf(err, "field %q", name)
			return
		}
		row[name] = decoded
	})
	if outErr != nil {
		return nil, outErr
	}
	return row, nil
}

func decodeValue(value *fastjson.Value, typeID incview.TypeID) (incview.Value, error) {
	if value.Type() == fastjson.TypeNull {
		return incview.NewNull(), nil
	}
	switch typeID {
	case incview.TypeIDInt:
		number, err := value.Int64()
		if err != nil {
			return incview.Value{}, errors.Wrap(err, "expected an integer")
		}
		return incview.NewInt(int(number)), nil

	case incview.TypeIDFloat:
		number, err := value.Float64()
		if err != nil {
			return incview.Value{}, errors.Wrap(err, "expected a number")
		}
		return incview.NewFloat(number), nil

	case incview.TypeIDBoolean:
		truth, err := value.Bool()
		if err != nil {
			return incview.Value{}, errors.Wrap(err, "expected a boolean")
		}
		return incview.NewBoolean(truth), nil

	case incview.TypeIDString:
		text, err := value.StringBytes()
		if err != nil {
			return incview.Value{}, errors.Wrap(err, "expected a string")
		}
		return incview.NewString(string(text)), nil

	case incview.TypeIDTime:
		text, err := value.StringBytes()
		if err != nil {
			return incview.Value{}, errors.Wrap(err, "expected an RFC3339 timestamp string")
		}
		instant, err := time.Parse(time.RFC3339, string(text))
		if err != nil {
			return incview.Value{}, errors.Wrap(err, "couldn't parse timestamp")
		}
		return incview.NewTime(instant), nil

	case incview.TypeIDList:
		items, err := value.Array()
		if err != nil {
			return incview.Value{}, errors.Wrap(err, "expected an array")
		}
		out := make([]incview.Value, 0, len(items))
		for _, item := range items {
			// List elements carry their own runtime type.
			decoded, err := decodeValue(item, jsonTypeID(item))
			if err != nil {
				return incview.Value{}, err
			}
			out = append(out, decoded)
		}
		return incview.NewList(out), nil

	default:
		return incview.Value{}, errors.Errorf("unsupported column type %s", typeID)
	}
}

func jsonTypeID(value *fastjson.Value) incview.TypeID {
	switch value.Type() {
	case fastjson.TypeNumber:
		if _, err := value.Int64(); err == nil {
			return incview.TypeIDInt
		}
		return incview.TypeIDFloat
	case fastjson.TypeString:
		return incview.TypeIDString
	case fastjson.TypeTrue, fastjson.TypeFalse:
		return incview.TypeIDBoolean
	case fastjson.TypeArray:
		return incview.TypeIDList
	default:
		return incview.TypeIDNull
	}
}
