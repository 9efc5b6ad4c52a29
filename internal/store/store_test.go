package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_LoadMissingFileReturnsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	fs := NewFileStore(path)

	snap, err := fs.Load()
	require.NoError(t, err)
	assert.Empty(t, snap.LastResetDate)
	assert.NotNil(t, snap.Keys)
	assert.Len(t, snap.Keys, 0)
}

func TestFileStore_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	fs := NewFileStore(path)

	want := Snapshot{
		LastResetDate: "2026-07-31",
		Keys: map[string]KeySnapshot{
			"fp1": {
				Provider:   "openai",
				UsageToday: UsageTotals{Calls: 3, PromptTokens: 30, CompletionTokens: 10, ApproxCostUSD: 0.02},
				UsageTotal: UsageTotals{Calls: 103, PromptTokens: 1030, CompletionTokens: 410, ApproxCostUSD: 1.2},
			},
		},
	}

	require.NoError(t, fs.Save(want))

	got, err := fs.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFileStore_SaveOverwritesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	fs := NewFileStore(path)

	require.NoError(t, fs.Save(Snapshot{LastResetDate: "2026-07-30", Keys: map[string]KeySnapshot{}}))
	require.NoError(t, fs.Save(Snapshot{LastResetDate: "2026-07-31", Keys: map[string]KeySnapshot{}}))

	got, err := fs.Load()
	require.NoError(t, err)
	assert.Equal(t, "2026-07-31", got.LastResetDate)

	// No leftover temp files.
	entries, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".snapshot-*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
