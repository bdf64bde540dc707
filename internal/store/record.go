package store

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Record is a structured value stored in a table. Field values follow the
// JSON data model: map[string]any, []any, float64, string, bool and nil.
type Record = map[string]any

// Normalize converts v to the JSON data model so it can be stored.
// Structs honour their json tags; integers become float64.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalizing %T: %w", v, err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("normalizing %T: %w", v, err)
	}
	return out, nil
}

// NormalizeRecord is Normalize for values that must be records.
// The second result is false when v is not record-shaped.
func NormalizeRecord(v any) (Record, bool, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, false, err
	}
	rec, ok := n.(map[string]any)
	return rec, ok, nil
}

// EncodeRecord serializes rec as a google.protobuf.Struct.
func EncodeRecord(rec Record) ([]byte, error) {
	s, err := structpb.NewStruct(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return data, nil
}

// DecodeRecord reverses EncodeRecord.
func DecodeRecord(data []byte) (Record, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return s.AsMap(), nil
}

// CloneRecord returns a deep copy of rec.
func CloneRecord(rec Record) Record {
	if rec == nil {
		return nil
	}
	return cloneValue(rec).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}
