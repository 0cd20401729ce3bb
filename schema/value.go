package schema

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"shardgo/util"
)

// ReadValue consumes exactly one value of the field's type from the
// iterator and returns its wire encoding. The iterator panics with
// DatagramIteratorEOF on truncated input, to be recovered at the handler
// boundary like any other malformed datagram.
func (f *Field) ReadValue(dgi *util.DatagramIterator) []byte {
	if sz := f.Type.FixedSize(); sz > 0 {
		return dgi.ReadData(util.Dgsize_t(sz))
	}

	// Length-prefixed types keep their prefix so the value can be
	// re-emitted verbatim.
	length := dgi.ReadUint16()
	dg := util.NewDatagram()
	dg.AddUint16(length)
	dg.Write(dgi.ReadData(util.Dgsize_t(length)))
	return dg.Bytes()
}

// DefaultValue returns the field's wire encoding when no stored value
// exists: the declared default, or the type's zero value.
func (f *Field) DefaultValue() []byte {
	if f.defaultValue != nil {
		return f.defaultValue
	}
	if sz := f.Type.FixedSize(); sz > 0 {
		return make([]byte, sz)
	}
	// Empty string/blob
	return []byte{0, 0}
}

// HasDefault reports whether the schema declared an explicit default.
func (f *Field) HasDefault() bool {
	return f.defaultValue != nil
}

// DecodeValue converts a field's wire encoding into a native Go value
// for storage backends: signed integers widen to int64, unsigned to
// uint64, and length-prefixed types shed their prefix.
func (f *Field) DecodeValue(data []byte) (interface{}, error) {
	if sz := f.Type.FixedSize(); sz > 0 && len(data) != sz {
		return nil, fmt.Errorf("value for \"%s\" is %d bytes, want %d", f.Name, len(data), sz)
	}
	switch f.Type {
	case TypeInt8:
		return int64(int8(data[0])), nil
	case TypeInt16:
		return int64(int16(binary.LittleEndian.Uint16(data))), nil
	case TypeInt32:
		return int64(int32(binary.LittleEndian.Uint32(data))), nil
	case TypeInt64:
		return int64(binary.LittleEndian.Uint64(data)), nil
	case TypeUint8:
		return uint64(data[0]), nil
	case TypeUint16:
		return uint64(binary.LittleEndian.Uint16(data)), nil
	case TypeUint32:
		return uint64(binary.LittleEndian.Uint32(data)), nil
	case TypeUint64:
		return binary.LittleEndian.Uint64(data), nil
	case TypeFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), nil
	case TypeString:
		inner, err := stripLengthPrefix(f.Name, data)
		if err != nil {
			return nil, err
		}
		return string(inner), nil
	case TypeBlob:
		return stripLengthPrefix(f.Name, data)
	}
	return nil, fmt.Errorf("field \"%s\" has an invalid type", f.Name)
}

// EncodeValue is the inverse of DecodeValue. It accepts the loose
// numeric and byte types storage drivers hand back.
func (f *Field) EncodeValue(v interface{}) ([]byte, error) {
	switch f.Type {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		n, ok := toInt64(v)
		if !ok {
			return nil, fmt.Errorf("field \"%s\": cannot encode %T as %s", f.Name, v, f.Type)
		}
		return encodeFixed(uint64(n), f.Type.FixedSize()), nil
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		n, ok := toUint64(v)
		if !ok {
			return nil, fmt.Errorf("field \"%s\": cannot encode %T as %s", f.Name, v, f.Type)
		}
		return encodeFixed(n, f.Type.FixedSize()), nil
	case TypeFloat64:
		n, ok := toFloat64(v)
		if !ok {
			return nil, fmt.Errorf("field \"%s\": cannot encode %T as %s", f.Name, v, f.Type)
		}
		value := make([]byte, 8)
		binary.LittleEndian.PutUint64(value, math.Float64bits(n))
		return value, nil
	case TypeString, TypeBlob:
		var raw []byte
		switch b := v.(type) {
		case string:
			raw = []byte(b)
		case []byte:
			raw = b
		default:
			return nil, fmt.Errorf("field \"%s\": cannot encode %T as %s", f.Name, v, f.Type)
		}
		if len(raw) > math.MaxUint16 {
			return nil, fmt.Errorf("field \"%s\": value too long", f.Name)
		}
		value := make([]byte, 2+len(raw))
		binary.LittleEndian.PutUint16(value, uint16(len(raw)))
		copy(value[2:], raw)
		return value, nil
	}
	return nil, fmt.Errorf("field \"%s\" has an invalid type", f.Name)
}

func stripLengthPrefix(name string, data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("value for \"%s\" is missing its length prefix", name)
	}
	length := binary.LittleEndian.Uint16(data)
	if int(length) != len(data)-2 {
		return nil, fmt.Errorf("value for \"%s\" has a bad length prefix", name)
	}
	return data[2:], nil
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func toUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case int:
		return uint64(n), true
	case int8:
		return uint64(n), true
	case int16:
		return uint64(n), true
	case int32:
		return uint64(n), true
	case int64:
		return uint64(n), true
	case uint:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case float64:
		return uint64(n), true
	}
	return 0, false
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func encodeDefault(fieldType FieldType, raw string) ([]byte, error) {
	switch fieldType {
	case TypeString, TypeBlob:
		if len(raw) > math.MaxUint16 {
			return nil, fmt.Errorf("default value too long")
		}
		value := make([]byte, 2+len(raw))
		binary.LittleEndian.PutUint16(value, uint16(len(raw)))
		copy(value[2:], raw)
		return value, nil
	case TypeFloat64:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("bad default \"%s\": %v", raw, err)
		}
		value := make([]byte, 8)
		binary.LittleEndian.PutUint64(value, math.Float64bits(v))
		return value, nil
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		sz := fieldType.FixedSize()
		v, err := strconv.ParseInt(raw, 10, sz*8)
		if err != nil {
			return nil, fmt.Errorf("bad default \"%s\": %v", raw, err)
		}
		return encodeFixed(uint64(v), sz), nil
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		sz := fieldType.FixedSize()
		v, err := strconv.ParseUint(raw, 10, sz*8)
		if err != nil {
			return nil, fmt.Errorf("bad default \"%s\": %v", raw, err)
		}
		return encodeFixed(v, sz), nil
	}
	return nil, fmt.Errorf("type %s cannot carry a default", fieldType)
}

func encodeFixed(v uint64, sz int) []byte {
	buff := make([]byte, 8)
	binary.LittleEndian.PutUint64(buff, v)
	return buff[:sz]
}
