package control

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vitos/crypto_trade_engine/internal/domain"
)

const (
	BalanceFile = "BALANCE"
	SellFile    = "SELL"
	StopFile    = "STOP"
)

// FileFlags reads operator signals from files in a directory. A flag is
// raised by creating its file and consumed by Poll, which removes it.
type FileFlags struct {
	dir string
}

func NewFileFlags(dir string) (*FileFlags, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create control dir: %w", err)
	}
	return &FileFlags{dir: dir}, nil
}

func (f *FileFlags) Dir() string {
	return f.dir
}

func (f *FileFlags) Poll() (domain.Control, error) {
	var c domain.Control
	var err error

	if c.Balance, err = f.consume(BalanceFile); err != nil {
		return c, err
	}
	if c.SellList, err = f.consumeSell(); err != nil {
		return c, err
	}
	if c.Stop, err = f.consume(StopFile); err != nil {
		return c, err
	}
	return c, nil
}

func (f *FileFlags) consume(name string) (bool, error) {
	path := filepath.Join(f.dir, name)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("consume %s: %w", name, err)
	}
	return true, nil
}

// consumeSell returns the symbols listed one per line in the SELL file.
func (f *FileFlags) consumeSell() ([]string, error) {
	path := filepath.Join(f.dir, SellFile)
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		sym := strings.ToUpper(strings.TrimSpace(scanner.Text()))
		if sym == "" || strings.HasPrefix(sym, "#") || seen[sym] {
			continue
		}
		seen[sym] = true
		symbols = append(symbols, sym)
	}
	serr := scanner.Err()
	file.Close()
	if serr != nil {
		return nil, fmt.Errorf("read %s: %w", SellFile, serr)
	}

	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("consume %s: %w", SellFile, err)
	}
	return symbols, nil
}
