package cmd

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/relay/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func sampleEntries(now time.Time) []storage.Entry {
	return []storage.Entry{
		{
			ID:            "00000001",
			Size:          2048,
			CreatedAt:     now.Add(-time.Hour),
			NextAttemptAt: now,
			Records:       12,
			Endpoint:      "http://localhost:8740/v1/track",
		},
		{
			ID:            "00000002",
			Leased:        true,
			Size:          512,
			CreatedAt:     now.Add(-time.Minute),
			Attempts:      3,
			NextAttemptAt: now.Add(10 * time.Minute),
			Records:       1,
		},
		{ID: "00000003", Corrupt: true},
	}
}

func TestPrintEntries_Table(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	require.NoError(t, printEntries(&buf, "table", sampleEntries(now), now))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 4)
	assert.Contains(t, string(lines[0]), "NEXT ATTEMPT")
	assert.Contains(t, string(lines[1]), "pending")
	assert.Contains(t, string(lines[1]), "2.0 KiB")
	assert.Contains(t, string(lines[1]), "1 hour ago")
	assert.Contains(t, string(lines[2]), "leased")
	assert.Contains(t, string(lines[2]), "10 minutes from now")
	assert.Contains(t, string(lines[3]), "corrupt")
}

func TestPrintEntries_Structured(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	want := sampleEntries(now)

	var buf bytes.Buffer
	require.NoError(t, printEntries(&buf, "json", want, now))
	var fromJSON []storage.Entry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fromJSON))
	assert.Equal(t, want, fromJSON)

	buf.Reset()
	require.NoError(t, printEntries(&buf, "yaml", want, now))
	var fromYAML []map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &fromYAML))
	require.Len(t, fromYAML, 3)
	assert.Equal(t, "00000002", fromYAML[1]["id"])
	assert.Equal(t, true, fromYAML[1]["leased"])
	assert.Equal(t, 3, fromYAML[1]["attempts"])
}

func TestPrintStats(t *testing.T) {
	st := storage.Stats{Pending: 3, Leased: 1, Bytes: 3 << 20, CapacityInBytes: 10 << 20, MaxFiles: 100}

	var buf bytes.Buffer
	require.NoError(t, printStats(&buf, "table", "/var/cache/relay/q", st))
	assert.Contains(t, buf.String(), "4 / 100")
	assert.Contains(t, buf.String(), "3.0 MiB / 10 MiB")

	buf.Reset()
	require.NoError(t, printStats(&buf, "json", "/var/cache/relay/q", st))
	assert.JSONEq(t, `{"dir":"/var/cache/relay/q","stats":{"pending":3,"leased":1,"bytes":3145728,"capacity_in_bytes":10485760,"max_files":100}}`, buf.String())
}
