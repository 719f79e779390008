package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTransmission() *Transmission {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Transmission{
		ID:              newID(now),
		CreatedAt:       now,
		Attempts:        3,
		NextAttemptAt:   now.Add(40 * time.Second),
		Endpoint:        "https://collector.example.com/v1/ingest",
		ContentType:     "application/x-json-stream",
		ContentEncoding: "gzip",
		Records:         2,
		Payload:         []byte("{\"a\":1}\n{\"a\":2}\n"),
	}
}

func TestBlob_RoundTrip(t *testing.T) {
	t.Parallel()

	want := sampleTransmission()
	blob, err := encodeBlob(want)
	require.NoError(t, err)

	got, err := decodeBlob(blob)
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, want.NextAttemptAt.Equal(got.NextAttemptAt))
	assert.Equal(t, want.Attempts, got.Attempts)
	assert.Equal(t, want.Endpoint, got.Endpoint)
	assert.Equal(t, want.ContentType, got.ContentType)
	assert.Equal(t, want.ContentEncoding, got.ContentEncoding)
	assert.Equal(t, want.Records, got.Records)
	assert.Equal(t, want.Payload, got.Payload)
}

func TestBlob_DetectsCorruption(t *testing.T) {
	t.Parallel()

	blob, err := encodeBlob(sampleTransmission())
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"empty", func([]byte) []byte { return nil }},
		{"truncated", func(b []byte) []byte { return b[:len(b)-7] }},
		{"bad magic", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"future version", func(b []byte) []byte { b[4] = 9; return b }},
		{"header length", func(b []byte) []byte { b[5] = 0xff; return b }},
		{"payload bit flip", func(b []byte) []byte { b[len(b)-6] ^= 0x01; return b }},
		{"checksum bit flip", func(b []byte) []byte { b[len(b)-1] ^= 0x80; return b }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.mutate(append([]byte(nil), blob...))
			_, err := decodeBlob(data)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}
