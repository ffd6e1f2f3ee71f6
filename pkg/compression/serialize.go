package compression

import (
	"bytes"
	"encoding"
	"encoding/json"
	"fmt"
)

// Serialize converts a cache value to bytes. Byte slices pass through,
// strings become their UTF-8 bytes, types with a BinaryMarshaler use it, and
// everything else is marshaled to JSON.
func Serialize(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, fmt.Errorf("cannot serialize nil value")
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case encoding.BinaryMarshaler:
		data, err := v.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("binary marshal failed: %w", err)
		}
		return data, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("json marshal failed: %w", err)
		}
		return data, nil
	}
}

// Decode restores a value from serialized bytes. Data that parses as a JSON
// object or array comes back structured; anything else comes back as the raw
// string. Callers that stored typed values unmarshal the bytes themselves.
func Decode(data []byte) interface{} {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		var v interface{}
		if err := json.Unmarshal(trimmed, &v); err == nil {
			return v
		}
	}
	return string(data)
}
