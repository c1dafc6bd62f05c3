package journal

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// canonicalFields is the exact set of event fields that feed the hash,
// in the order spec.md §3 describes: seq, session_id, type, timestamp,
// payload, prev_hash. Canonicalization rules (pinned per the Open Question
// in spec.md §9):
//
//   - map keys are sorted recursively, depth-first
//   - strings are UTF-8, unescaped beyond what encoding/json requires
//   - numbers use Go's default encoding/json formatting (shortest round-trip)
//   - timestamps are RFC3339Nano in UTC
//
// computeHash deterministically serializes those fields and returns the
// hex-encoded SHA-256 digest.
func computeHash(seq int64, sessionID string, eventType EventType, ts time.Time, payload map[string]any, prevHash string) (string, error) {
	record := map[string]any{
		"seq":        seq,
		"session_id": sessionID,
		"type":       string(eventType),
		"timestamp":  ts.UTC().Format(time.RFC3339Nano),
		"payload":    payload,
		"prev_hash":  prevHash,
	}

	encoded, err := canonicalize(record)
	if err != nil {
		return "", fmt.Errorf("canonicalize record: %w", err)
	}

	h := sha256.Sum256(encoded)
	return hex.EncodeToString(h[:]), nil
}

// canonicalize walks v (maps, slices, and JSON scalars) and emits a stable
// byte encoding: object keys sorted, no extraneous whitespace.
func canonicalize(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return encodeCanonical(normalized)
}

// normalize round-trips v through encoding/json so that arbitrary Go values
// (structs, interfaces, nested maps) become the plain
// map[string]any/[]any/scalar shapes encodeCanonical understands.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if val {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(val.String()), nil
	case float64:
		return []byte(strconv.FormatFloat(val, 'g', -1, 64)), nil
	case string:
		encoded, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return encoded, nil
	case []any:
		out := []byte{'['}
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			enc, err := encodeCanonical(item)
			if err != nil {
				return nil, err
			}
			out = append(out, enc...)
		}
		out = append(out, ']')
		return out, nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			keyEnc, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			out = append(out, keyEnc...)
			out = append(out, ':')
			valEnc, err := encodeCanonical(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, valEnc...)
		}
		out = append(out, '}')
		return out, nil
	default:
		return nil, fmt.Errorf("canonicalize: unsupported type %T", v)
	}
}
