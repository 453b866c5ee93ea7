package evidence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// CanonicalVersion names the payload encoding produced by CanonicalPayload.
// Any change to field order, null handling, or timestamp layout must bump it.
const CanonicalVersion = "evidence-canonical/v1"

// sealedAtLayout renders UTC timestamps with a trailing "Z" and millisecond
// precision.
const sealedAtLayout = "2006-01-02T15:04:05.000Z07:00"

// CanonicalPayload encodes the hashed fields of r as a JSON object with a
// fixed key order:
//
//	chain_index, prev_hash, event_type, vehicle_id, description, data,
//	device_fingerprint, sealed_at
//
// Empty vehicle_id and device_fingerprint encode as null. data is
// re-encoded with sorted object keys and literal numbers. Invalid UTF-8 in
// any hashed field is an error; encoding/json would otherwise replace it
// with U+FFFD and map different bytes to the same payload.
func CanonicalPayload(r *Record) ([]byte, error) {
	for _, f := range []struct{ key, value string }{
		{"prev_hash", r.PrevHash},
		{"event_type", r.EventType},
		{"vehicle_id", r.VehicleID},
		{"description", r.Description},
		{"device_fingerprint", r.DeviceFingerprint},
	} {
		if !utf8.ValidString(f.value) {
			return nil, fmt.Errorf("%s: %w", f.key, ErrInvalidUTF8)
		}
	}
	data, err := canonicalData(r.Data)
	if err != nil {
		return nil, err
	}

	fields := []struct {
		key   string
		value any
	}{
		{"chain_index", r.ChainIndex},
		{"prev_hash", r.PrevHash},
		{"event_type", r.EventType},
		{"vehicle_id", nullable(r.VehicleID)},
		{"description", r.Description},
		{"data", nil}, // written raw below
		{"device_fingerprint", nullable(r.DeviceFingerprint)},
		{"sealed_at", FormatSealedAt(r.SealedAt)},
	}

	buf := &bytes.Buffer{}
	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := encodeJSON(f.key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if f.key == "data" {
			buf.Write(data)
			continue
		}
		val, err := encodeJSON(f.value)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", f.key, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ComputeHash returns the SHA-256 of r's canonical payload.
func ComputeHash(r *Record) (string, error) {
	payload, err := CanonicalPayload(r)
	if err != nil {
		return "", err
	}
	return Sum(payload), nil
}

// FormatSealedAt renders t in the canonical timestamp layout.
func FormatSealedAt(t time.Time) string {
	return t.UTC().Format(sealedAtLayout)
}

// canonicalData normalises an opaque JSON payload. Empty input becomes null.
func canonicalData(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return []byte("null"), nil
	}
	if !utf8.Valid(trimmed) {
		return nil, fmt.Errorf("data: %w", ErrInvalidUTF8)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode data: trailing content after JSON value")
	}
	// encoding/json writes map keys in sorted order at every depth.
	return encodeJSON(v)
}

func encodeJSON(v any) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
