package value

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Canonical renders a value as a kind-tagged canonical string.
//
// Values that compare equal produce the same canonical string, so the result
// can be used as a map key (index buckets, filter keys). Strings are NFC
// normalised; integral floats render like ints.
func Canonical(v Value) string {
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v Value) {
	switch val := v.(type) {
	case nil, Null:
		b.WriteString("z")
	case Bool:
		if val {
			b.WriteString("b:1")
		} else {
			b.WriteString("b:0")
		}
	case Int:
		b.WriteString("n:")
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case Float:
		b.WriteString("n:")
		f := float64(val)
		if f == math.Trunc(f) && math.Abs(f) < 1<<62 {
			b.WriteString(strconv.FormatInt(int64(f), 10))
		} else {
			b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
		}
	case String:
		b.WriteString("s:")
		b.WriteString(strconv.Quote(norm.NFC.String(string(val))))
	case Array:
		b.WriteString("a:[")
		for i, elem := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, elem)
		}
		b.WriteByte(']')
	}
}

// Hash computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func Hash(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Encode converts a value into a plain Go value suitable for encoding/json.
func Encode(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Float:
		return float64(val)
	case Bool:
		return bool(val)
	case Array:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = Encode(elem)
		}
		return out
	default:
		return nil
	}
}

// Decode converts a value produced by a json.Decoder with UseNumber back into a Value.
// Integral json.Numbers decode to Int, everything else numeric to Float.
func Decode(raw any) (Value, error) {
	switch val := raw.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("decode number %q: %w", val, err)
		}
		return Float(f), nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			ev, err := Decode(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = ev
		}
		return arr, nil
	default:
		return Of(raw)
	}
}
