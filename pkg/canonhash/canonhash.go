// Package canonhash produces byte-stable serializations of JSON-shaped values
// and SHA-256 digests over them. Two logically identical payloads hash the
// same regardless of map construction order, which makes the digest usable as
// an idempotency-key component.
package canonhash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"sort"
)

// SumObject returns the hex SHA-256 digest of v's canonical serialization,
// along with the canonical bytes themselves.
func SumObject(v any) (string, []byte, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

// Canonical serializes v as JSON with object keys sorted lexicographically at
// every nesting level. Array order is preserved. Map entries holding an
// explicit null are dropped, so a null field and an absent field serialize
// identically. Numbers keep their source representation.
func Canonical(v any) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	if err := encodeCanonical(buf, norm); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalize round-trips v through JSON so structs, typed maps, and slices all
// collapse into the generic map/slice/scalar form the encoder understands.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeCanonical(w io.Writer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			if t[k] == nil {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		_, _ = w.Write([]byte("{"))
		for i, k := range keys {
			if i > 0 {
				_, _ = w.Write([]byte(","))
			}
			kb, _ := json.Marshal(k)
			_, _ = w.Write(kb)
			_, _ = w.Write([]byte(":"))
			if err := encodeCanonical(w, t[k]); err != nil {
				return err
			}
		}
		_, _ = w.Write([]byte("}"))
		return nil
	case []any:
		_, _ = w.Write([]byte("["))
		for i, vv := range t {
			if i > 0 {
				_, _ = w.Write([]byte(","))
			}
			if err := encodeCanonical(w, vv); err != nil {
				return err
			}
		}
		_, _ = w.Write([]byte("]"))
		return nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		_, _ = w.Write(b)
		return nil
	}
}
