package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"null", nil, "null"},
		{"string", "hello", `"hello"`},
		{"int", 42, "42"},
		{"negative int64", int64(-100), "-100"},
		{"number literal", json.Number("1.50"), "1.50"},
		{"bool", true, "true"},
		{"empty array", []any{}, "[]"},
		{"empty object", map[string]any{}, "{}"},
		{"string slice", []string{"b", "a"}, `["b","a"]`},
		{"raw message", json.RawMessage(`{ "b": 1, "a": [true, null] }`), `{"a":[true,null],"b":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalRejectsFloats(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"x": 1.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are forbidden")
}

func TestMarshalCanonicalUTF16Ordering(t *testing.T) {
	// UTF-16 order: 0xD800 (surrogate of U+10000) sorts before 0xE000.
	obj := map[string]any{
		"\uE000": 1,
		"𐀀":      2,
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"𐀀":2,"`+"\uE000"+`":1}`, string(result))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	result, err := MarshalCanonical("<a&b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a&b>"`, string(result))
}

func TestMarshalCanonicalLineSeparatorsLiteral(t *testing.T) {
	result, err := MarshalCanonical("a\u2028b\u2029c")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\u2029c\"", string(result))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	// "e" + combining acute accent normalises to U+00E9.
	result, err := MarshalCanonical("e\u0301")
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(result))
}

func TestCanonicalPayload(t *testing.T) {
	a, err := CanonicalPayload(json.RawMessage(`{"title":"x","n":10}`))
	require.NoError(t, err)
	b, err := CanonicalPayload(json.RawMessage("{\n  \"n\": 10,\n  \"title\": \"x\"\n}"))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	empty, err := CanonicalPayload(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(empty))

	_, err = CanonicalPayload(json.RawMessage(`{"a":1} {"b":2}`))
	require.Error(t, err)
}

func TestStoredPayloadKeepsBytes(t *testing.T) {
	raw := json.RawMessage("{ \"title\": \"Cafe\u0301\", \"b\": 1, \"a\": 2 }")
	got, err := StoredPayload(raw)
	require.NoError(t, err)
	assert.Equal(t, string(raw), string(got))

	empty, err := StoredPayload(json.RawMessage("  "))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(empty))

	_, err = StoredPayload(json.RawMessage(`{"a":`))
	require.Error(t, err)
	_, err = StoredPayload(json.RawMessage(`{"a":1} {"b":2}`))
	require.Error(t, err)
}

func TestSnapshotChecksumStable(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	op := Operation{
		ID:             "op-1",
		Kind:           KindUpdate,
		TargetTable:    TableNotes,
		TargetID:       "note-1",
		Payload:        json.RawMessage(`{"b":2,"a":1}`),
		IdempotencyKey: "k1",
		Status:         StatusPending,
		OriginActor:    "device-a",
		SchemaVersion:  1,
		CreatedAt:      created,
	}

	sum1, err := SnapshotChecksum([]Operation{op})
	require.NoError(t, err)

	// Same operation, different payload formatting and time zone.
	reformatted := op
	reformatted.Payload = json.RawMessage(`{ "a": 1, "b": 2 }`)
	reformatted.CreatedAt = created.In(time.FixedZone("X", 3600))
	reformatted.Seq = 99
	sum2, err := SnapshotChecksum([]Operation{reformatted})
	require.NoError(t, err)
	assert.Equal(t, sum1, sum2)
	assert.Len(t, sum1, 64)

	changed := op
	changed.Priority = 1
	sum3, err := SnapshotChecksum([]Operation{changed})
	require.NoError(t, err)
	assert.NotEqual(t, sum1, sum3)
}

func TestContentHash(t *testing.T) {
	h1, err := ContentHash([]byte(`{"type":"doc","content":[]}`))
	require.NoError(t, err)
	h2, err := ContentHash([]byte(`{"content":[],"type":"doc"}`))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	// Domain separation: the same bytes hash differently as a snapshot.
	canonical, err := CanonicalPayload([]byte(`{"content":[],"type":"doc"}`))
	require.NoError(t, err)
	assert.NotEqual(t, hashWithDomain(DomainSnapshot, canonical), h1)
}
