package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vitos/crypto_trade_engine/internal/domain"
	"go.uber.org/zap"
)

// SnapshotFile keeps the engine state as JSON. The previous file survives as
// <path>.backup, and an advisory lock on <path>.lock admits a single writer.
// The lock dies with its process, so a lock file left by a crash does not
// block the next start.
type SnapshotFile struct {
	path   string
	lock   *os.File
	logger *zap.Logger
}

// OpenSnapshotFile takes the writer lock. It fails with ErrSnapshotLocked
// when another process holds it.
func OpenSnapshotFile(path string, logger *zap.Logger) (*SnapshotFile, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create snapshot dir: %w", err)
		}
	}
	lock, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock: %w", err)
	}
	if err := lockFile(lock); err != nil {
		lock.Close()
		if errors.Is(err, errLockHeld) {
			return nil, fmt.Errorf("%w: %s.lock", domain.ErrSnapshotLocked, path)
		}
		return nil, fmt.Errorf("lock %s.lock: %w", path, err)
	}
	if err := lock.Truncate(0); err == nil {
		fmt.Fprintf(lock, "%d\n", os.Getpid())
	}
	return &SnapshotFile{path: path, lock: lock, logger: logger}, nil
}

// Close releases the writer lock. The lock file stays behind; removing it
// would let a racing opener lock an unlinked inode.
func (s *SnapshotFile) Close() error {
	if s.lock == nil {
		return nil
	}
	unlockFile(s.lock)
	err := s.lock.Close()
	s.lock = nil
	return err
}

func (s *SnapshotFile) backupPath() string {
	return s.path + ".backup"
}

// Load reads the snapshot, falling back to the backup when the main file
// is unreadable. With neither usable it returns an empty snapshot.
func (s *SnapshotFile) Load() (*domain.Snapshot, error) {
	snap, err := readSnapshot(s.path)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("snapshot unreadable, trying backup", zap.String("path", s.path), zap.Error(err))
	}

	snap, berr := readSnapshot(s.backupPath())
	if berr == nil {
		s.logger.Info("snapshot restored from backup", zap.String("path", s.backupPath()))
		return snap, nil
	}
	if !errors.Is(berr, os.ErrNotExist) {
		s.logger.Warn("snapshot backup unreadable, starting empty", zap.String("path", s.backupPath()), zap.Error(berr))
	}
	return &domain.Snapshot{}, nil
}

func readSnapshot(path string) (*domain.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &snap, nil
}

// Save writes the snapshot to a temp file, moves the current file to the
// backup, then renames the temp file into place.
func (s *SnapshotFile) Save(snap *domain.Snapshot) error {
	if s.lock == nil {
		return fmt.Errorf("%w: store is closed", domain.ErrSnapshotLocked)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	if _, err := os.Stat(s.path); err == nil {
		if err := os.Rename(s.path, s.backupPath()); err != nil {
			os.Remove(tmp.Name())
			return fmt.Errorf("backup snapshot: %w", err)
		}
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
