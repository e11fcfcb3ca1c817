package memory

import (
	"encoding/base64"
	"fmt"
)

// NormalizeBytes coerces the shapes binary fields arrive in at the store
// boundary into a plain byte slice. JSON decoding yields base64 strings
// or []interface{} number arrays depending on the producer; internal
// callers pass []byte directly. Downstream code assumes canonical bytes.
func NormalizeBytes(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case string:
		if t == "" {
			return nil, nil
		}
		if b, err := base64.StdEncoding.DecodeString(t); err == nil {
			return b, nil
		}
		b, err := base64.RawStdEncoding.DecodeString(t)
		if err != nil {
			return nil, fmt.Errorf("memory: binary field is not base64: %w", err)
		}
		return b, nil
	case []interface{}:
		out := make([]byte, len(t))
		for i, e := range t {
			n, ok := e.(float64)
			if !ok || n < 0 || n > 255 || n != float64(int(n)) {
				return nil, fmt.Errorf("memory: byte array element %d out of range", i)
			}
			out[i] = byte(n)
		}
		return out, nil
	case []int:
		out := make([]byte, len(t))
		for i, n := range t {
			if n < 0 || n > 255 {
				return nil, fmt.Errorf("memory: byte array element %d out of range", i)
			}
			out[i] = byte(n)
		}
		return out, nil
	}
	return nil, fmt.Errorf("memory: unsupported binary field type %T", v)
}
