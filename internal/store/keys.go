package store

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
)

// Key identifies a record within a table. Valid keys are strings and
// finite numbers; all numeric kinds share one float64 key space.
type Key = any

// Encoded key type tags. Their order defines the cross-type sort order.
const (
	tagNumber byte = 0x10
	tagString byte = 0x30
)

// NormalizeKey returns k as float64 or string, or ErrInvalidKey.
func NormalizeKey(k Key) (Key, error) {
	switch v := k.(type) {
	case string:
		return v, nil
	case float64:
		if math.IsNaN(v) {
			return nil, fmt.Errorf("%w: NaN", ErrInvalidKey)
		}
		if v == 0 {
			return float64(0), nil // fold -0
		}
		return v, nil
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrInvalidKey)
	}
	rv := reflect.ValueOf(k)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), nil
	case reflect.Float32:
		return NormalizeKey(rv.Float())
	case reflect.String:
		return rv.String(), nil
	}
	return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidKey, k)
}

// EncodeKey returns an order-preserving, prefix-free encoding of k.
// Numbers sort before strings, numbers numerically, strings bytewise.
func EncodeKey(k Key) ([]byte, error) {
	n, err := NormalizeKey(k)
	if err != nil {
		return nil, err
	}
	switch v := n.(type) {
	case float64:
		buf := make([]byte, 9)
		buf[0] = tagNumber
		bits := math.Float64bits(v)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		binary.BigEndian.PutUint64(buf[1:], bits)
		return buf, nil
	default:
		s := v.(string)
		buf := make([]byte, 0, len(s)+3)
		buf = append(buf, tagString)
		for i := 0; i < len(s); i++ {
			if s[i] == 0x00 {
				buf = append(buf, 0x00, 0xFF)
				continue
			}
			buf = append(buf, s[i])
		}
		return append(buf, 0x00, 0x01), nil
	}
}
