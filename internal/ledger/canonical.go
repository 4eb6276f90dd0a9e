package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON encodes v into the canonical form the block digest depends
// on. The encoding is deterministic and type-unambiguous: no two distinct
// JSON values share canonical bytes, so rewriting a stored payload field into
// a different type (`1` into `"1"`, an object into an array) always changes
// the digest.
//
//	object → ["o", key1, value1, key2, value2, ...]   keys sorted
//	array  → ["a", elem1, elem2, ...]
//	string → "s:" + value
//	number → "n:" + literal (source form preserved)
//	bool   → "b:true" / "b:false"
//	null   → "z"
func CanonicalJSON(v interface{}) ([]byte, error) {
	stable, err := normalize(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(stable); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return bytes.TrimSpace(buf.Bytes()), nil
}

// CanonicalPayload canonicalizes a raw JSON payload. A nil or empty payload
// canonicalizes to the empty object.
func CanonicalPayload(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return CanonicalJSON(v)
}

func normalize(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]interface{}, 0, len(keys)*2+1)
		out = append(out, "o")
		for _, k := range keys {
			nv, err := normalize(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, k, nv)
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, 0, len(val)+1)
		out = append(out, "a")
		for _, item := range val {
			nv, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out = append(out, nv)
		}
		return out, nil
	case json.Number:
		return "n:" + val.String(), nil
	case string:
		return "s:" + val, nil
	case float64:
		// Only reachable when a caller hands in decoded JSON without
		// UseNumber; marshal to recover the literal form.
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return "n:" + string(b), nil
	case bool:
		if val {
			return "b:true", nil
		}
		return "b:false", nil
	case nil:
		return "z", nil
	default:
		// Structs and other typed values round-trip through JSON first.
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		var decoded interface{}
		if err := dec.Decode(&decoded); err != nil {
			return nil, err
		}
		return normalize(decoded)
	}
}
