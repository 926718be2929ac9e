package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces RFC 8785 style canonical JSON.
// This is the ONLY serialization used for checksums and content hashes.
//
// Differences from json.Marshal:
//  1. Object keys sorted by UTF-16 code units (not UTF-8 bytes)
//  2. No HTML escaping (< > & are NOT escaped)
//  3. Strings are NFC normalized
//  4. Numbers are emitted as their JSON literal (payloads are decoded with
//     json.Number); Go floats are rejected
//  5. No insignificant whitespace
//
// Accepted inputs: nil, bool, string, int, int64, json.Number,
// json.RawMessage, []any, []string, map[string]any.
func MarshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalPayload re-encodes raw JSON canonically. An empty payload is
// treated as an empty object.
func CanonicalPayload(raw json.RawMessage) ([]byte, error) {
	v, err := decodeJSON(raw)
	if err != nil {
		return nil, err
	}
	return MarshalCanonical(v)
}

// StoredPayload checks that raw is a single JSON value and returns it
// byte for byte. An empty payload becomes an empty object. Stored payloads
// are never normalized; only checksums and hashes see the canonical form.
func StoredPayload(raw json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("{}"), nil
	}
	if _, err := decodeJSON(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func decodeJSON(raw []byte) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode json: trailing data")
	}
	return v, nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return writeCanonicalString(buf, val)
	case int:
		fmt.Fprintf(buf, "%d", val)
	case int64:
		fmt.Fprintf(buf, "%d", val)
	case json.Number:
		if !json.Valid([]byte(val)) {
			return fmt.Errorf("invalid number literal %q", string(val))
		}
		buf.WriteString(string(val))
	case json.RawMessage:
		decoded, err := decodeJSON(val)
		if err != nil {
			return err
		}
		return writeCanonical(buf, decoded)
	case []string:
		buf.WriteByte('[')
		for i, s := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonicalString(buf, s); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		return writeCanonicalObject(buf, val)
	case float64, float32:
		return fmt.Errorf("floats are forbidden in canonical JSON: %v", val)
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
	return nil
}

// writeCanonicalObject writes an object with RFC 8785 key ordering.
func writeCanonicalObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	// CRITICAL: RFC 8785 UTF-16 code unit ordering
	slices.SortFunc(keys, compareKeysRFC8785)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonicalString(buf, k); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, obj[k]); err != nil {
			return fmt.Errorf("value for key %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

// writeCanonicalString writes a JSON string after NFC normalization.
// Only control characters, backslash and quote are escaped; U+2028 and
// U+2029 stay literal.
func writeCanonicalString(buf *bytes.Buffer, s string) error {
	normalized := norm.NFC.String(s)

	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false) // CRITICAL: <, >, & must NOT be escaped
	if err := enc.Encode(normalized); err != nil {
		return err
	}
	out := bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'})
	buf.Write(unescapeLineSeparators(out))
	return nil
}

// unescapeLineSeparators turns the \u2028 and \u2029 escapes emitted by
// encoding/json back into literal characters. An escape preceded by an odd
// number of backslashes is literal text and is left alone.
func unescapeLineSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}

	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+6 <= len(data) && data[i] == '\\' && data[i+1] == 'u' &&
			data[i+2] == '2' && data[i+3] == '0' && data[i+4] == '2' &&
			(data[i+5] == '8' || data[i+5] == '9') {
			backslashes := 0
			for j := len(out) - 1; j >= 0 && out[j] == '\\'; j-- {
				backslashes++
			}
			if backslashes%2 == 0 {
				if data[i+5] == '8' {
					out = append(out, "\u2028"...)
				} else {
					out = append(out, "\u2029"...)
				}
				i += 5
				continue
			}
		}
		out = append(out, data[i])
	}
	return out
}

// compareKeysRFC8785 compares strings by UTF-16 code units.
// Go's default string comparison uses UTF-8, which orders supplementary
// characters differently.
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// canonicalTime formats timestamps for canonical output: UTC, RFC 3339 with
// nanoseconds.
func canonicalTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// canonicalMap converts an operation to the generic form hashed by
// SnapshotChecksum. Absent optional fields are omitted rather than null.
func (op Operation) canonicalMap() (map[string]any, error) {
	payload, err := decodeJSON(op.Payload)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	deps := op.DependsOn
	if deps == nil {
		deps = []string{}
	}

	m := map[string]any{
		"id":             op.ID,
		"kind":           string(op.Kind),
		"targetTable":    string(op.TargetTable),
		"targetId":       op.TargetID,
		"payload":        payload,
		"idempotencyKey": op.IdempotencyKey,
		"priority":       op.Priority,
		"status":         string(op.Status),
		"retryCount":     op.RetryCount,
		"dependsOn":      deps,
		"originActor":    op.OriginActor,
		"schemaVersion":  op.SchemaVersion,
		"createdAt":      canonicalTime(op.CreatedAt),
	}
	if op.WorkspaceID != "" {
		m["workspaceId"] = op.WorkspaceID
	}
	if op.ExpiresAt != nil {
		m["expiresAt"] = canonicalTime(*op.ExpiresAt)
	}
	if op.LastAttemptedAt != nil {
		m["lastAttemptedAt"] = canonicalTime(*op.LastAttemptedAt)
	}
	if op.ErrorMessage != "" {
		m["errorMessage"] = op.ErrorMessage
	}
	return m, nil
}

// MarshalCanonicalOperations serializes an operation list canonically, in
// the order given.
func MarshalCanonicalOperations(ops []Operation) ([]byte, error) {
	list := make([]any, len(ops))
	for i, op := range ops {
		m, err := op.canonicalMap()
		if err != nil {
			return nil, fmt.Errorf("operation[%d]: %w", i, err)
		}
		list[i] = m
	}
	return MarshalCanonical(list)
}
