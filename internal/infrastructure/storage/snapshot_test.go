package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_trade_engine/internal/domain"
	"go.uber.org/zap"
)

func testSnapshot(capital float64) *domain.Snapshot {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	return &domain.Snapshot{
		SavedAt: at,
		Positions: map[string]*domain.Position{
			"BTCUSDT": {Symbol: "BTCUSDT", Status: domain.StatusHold, Volume: 0.5, BoughtAt: 100, Cost: 50, SellAtPct: 103},
		},
		Series: map[string]domain.SeriesSnapshot{
			"BTCUSDT": {Averages: map[domain.Granularity][]domain.Sample{domain.Second: {{Time: at, Value: 100}}}},
		},
		Held:    []string{"BTCUSDT"},
		Capital: capital,
		Wins:    2,
	}
}

func TestSnapshotFile_SaveKeepsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := OpenSnapshotFile(path, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	empty, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, empty.Held)

	require.NoError(t, store.Save(testSnapshot(1000)))
	require.NoError(t, store.Save(testSnapshot(1010)))

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 1010.0, got.Capital)
	assert.Equal(t, []string{"BTCUSDT"}, got.Held)
	assert.Equal(t, 103.0, got.Positions["BTCUSDT"].SellAtPct)
	assert.Equal(t, 100.0, got.Series["BTCUSDT"].Averages[domain.Second][0].Value)

	backup, err := readSnapshot(path + ".backup")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, backup.Capital)
}

func TestSnapshotFile_CorruptFallsBackToBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := OpenSnapshotFile(path, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Save(testSnapshot(1000)))
	require.NoError(t, store.Save(testSnapshot(1010)))
	require.NoError(t, os.WriteFile(path, []byte(`{"held": [`), 0o644))

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 1000.0, got.Capital)

	require.NoError(t, os.WriteFile(path+".backup", []byte(`garbage`), 0o644))
	got, err = store.Load()
	require.NoError(t, err)
	assert.Empty(t, got.Positions)
	assert.Zero(t, got.Capital)
}

func TestSnapshotFile_SingleWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	first, err := OpenSnapshotFile(path, zap.NewNop())
	require.NoError(t, err)

	_, err = OpenSnapshotFile(path, zap.NewNop())
	assert.ErrorIs(t, err, domain.ErrSnapshotLocked)

	require.NoError(t, first.Close())
	assert.ErrorIs(t, first.Save(testSnapshot(1)), domain.ErrSnapshotLocked)

	second, err := OpenSnapshotFile(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestSnapshotFile_StaleLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	// left behind by a process that died without Close
	require.NoError(t, os.WriteFile(path+".lock", []byte("4242\n"), 0o644))

	store, err := OpenSnapshotFile(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Save(testSnapshot(5)))

	pid, err := os.ReadFile(path + ".lock")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d\n", os.Getpid()), string(pid))

	_, err = OpenSnapshotFile(path, zap.NewNop())
	assert.ErrorIs(t, err, domain.ErrSnapshotLocked)
	require.NoError(t, store.Close())
}
