package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/relaycodex/codex-proxy/internal/utils"
)

const fileName = "openai-codex-accounts.json"

// legacyPath returns the pre-XDG-migration location this store used to
// live at, so an existing installation's accounts aren't silently
// orphaned by a path change.
func legacyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".opencode", fileName)
}

// Store owns the on-disk account file and its lock. All mutation goes
// through Mutate, which re-reads the current file under the same lock
// acquisition, applies the caller's change to that fresh copy, and writes
// back — so two processes racing to persist a token refresh converge
// instead of one clobbering the other.
type Store struct {
	mu   sync.Mutex
	path string
	lock *FileLock
}

// Open returns a Store bound to the XDG-compatible account file path,
// creating its parent directory if needed and migrating a legacy file in
// under the same lock scope if no current-path file exists yet.
func Open(appName string) (*Store, error) {
	path := filepath.Join(utils.ConfigDir(appName), fileName)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("store: create config dir: %w", err)
	}
	lock, err := NewFileLock(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, lock: lock}
	if err := s.migrateLegacyIfAbsent(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrateLegacyIfAbsent() error {
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	legacy := legacyPath()
	if legacy == "" {
		return nil
	}
	data, err := os.ReadFile(legacy)
	if err != nil {
		return nil // no legacy file, nothing to migrate
	}
	return s.lock.WithLock(context.Background(), func() error {
		if _, err := os.Stat(s.path); err == nil {
			return nil // lost the race, another process already migrated
		}
		return os.WriteFile(s.path, data, 0o600)
	})
}

// readUnlocked loads and parses the store file. A missing file yields a
// fresh empty store rather than an error. A corrupt file is quarantined
// (copied aside) and a fresh empty store is returned, so one damaged
// write never wedges every future request.
func (s *Store) readUnlocked() (*StoreFile, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return NewStoreFile(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read: %w", err)
	}
	if len(data) == 0 {
		return NewStoreFile(), nil
	}
	var sf StoreFile
	if err := json.Unmarshal(data, &sf); err != nil {
		if quarantineErr := s.quarantineCorrupt(data); quarantineErr != nil {
			utils.Warn("store: failed to quarantine corrupt file: %v", quarantineErr)
		}
		utils.Error("store: corrupt account file, starting fresh: %v", err)
		return NewStoreFile(), nil
	}
	if sf.Accounts == nil {
		sf.Accounts = []AccountRecord{}
	}
	if sf.ActiveIndexByFamily == nil {
		sf.ActiveIndexByFamily = map[string]int{}
	}
	now := time.Now()
	for i := range sf.Accounts {
		sf.Accounts[i].PruneExpiredRateLimits(now)
	}
	return &sf, nil
}

// quarantineCorrupt copies an unparseable store file aside with a
// timestamped suffix, preserving it for inspection instead of discarding
// it outright.
func (s *Store) quarantineCorrupt(data []byte) error {
	dest := fmt.Sprintf("%s.corrupt.%d", s.path, time.Now().UnixMilli())
	return os.WriteFile(dest, data, 0o600)
}

func (s *Store) writeUnlocked(sf *StoreFile) error {
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	tmp := s.path + fmt.Sprintf(".tmp-%d", time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: rename: %w", err)
	}
	_ = os.Chmod(s.path, 0o600) // best-effort
	return nil
}

// Load returns a snapshot of the current store contents.
func (s *Store) Load(ctx context.Context) (*StoreFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sf *StoreFile
	err := s.lock.WithLock(ctx, func() error {
		loaded, err := s.readUnlocked()
		if err != nil {
			return err
		}
		sf = loaded
		return nil
	})
	return sf, err
}

// Mutate loads the current store, runs fn against it to apply an
// in-process mutation, and writes the result back — all under one lock
// acquisition so the read-modify-write cycle is atomic with respect to
// other processes sharing the file.
func (s *Store) Mutate(ctx context.Context, fn func(sf *StoreFile) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lock.WithLock(ctx, func() error {
		sf, err := s.readUnlocked()
		if err != nil {
			return err
		}
		if err := fn(sf); err != nil {
			return err
		}
		return s.writeUnlocked(sf)
	})
}

// UpsertAccount merges candidate into the store (by identity or refresh
// token) and persists the result, returning the index it settled at.
func (s *Store) UpsertAccount(ctx context.Context, candidate AccountRecord) (int, error) {
	idx := -1
	err := s.Mutate(ctx, func(sf *StoreFile) error {
		merged, i := MergeInto(sf.Accounts, candidate)
		sf.Accounts = merged
		idx = i
		return nil
	})
	return idx, err
}

// MarkSwitched records index as the active account for family, both as
// active_index_by_family[family] and, for backward-compatible single-family
// callers, as the top-level active_index, and stamps the account's
// last_switch_reason.
func (s *Store) MarkSwitched(ctx context.Context, family string, index int, reason string) error {
	return s.Mutate(ctx, func(sf *StoreFile) error {
		if index < 0 || index >= len(sf.Accounts) {
			return fmt.Errorf("store: index %d out of range", index)
		}
		if sf.ActiveIndexByFamily == nil {
			sf.ActiveIndexByFamily = map[string]int{}
		}
		sf.ActiveIndexByFamily[family] = index
		sf.ActiveIndex = index
		sf.Accounts[index].LastSwitchReason = reason
		return nil
	})
}

// ToggleEnabled flips an account's Disabled flag by index.
func (s *Store) ToggleEnabled(ctx context.Context, index int, disabled bool) error {
	return s.Mutate(ctx, func(sf *StoreFile) error {
		if index < 0 || index >= len(sf.Accounts) {
			return fmt.Errorf("store: index %d out of range", index)
		}
		sf.Accounts[index].Disabled = disabled
		return nil
	})
}

// Quarantine marks an account as quarantined with a reason, and clears it
// from any active-index slot it occupies so selection skips it going
// forward.
func (s *Store) Quarantine(ctx context.Context, index int, reason string) error {
	return s.Mutate(ctx, func(sf *StoreFile) error {
		if index < 0 || index >= len(sf.Accounts) {
			return fmt.Errorf("store: index %d out of range", index)
		}
		sf.Accounts[index].Quarantined = true
		sf.Accounts[index].QuarantineReason = reason
		if sf.ActiveIndex == index {
			sf.ActiveIndex = -1
		}
		for fam, i := range sf.ActiveIndexByFamily {
			if i == index {
				delete(sf.ActiveIndexByFamily, fam)
			}
		}
		return nil
	})
}

// RemoveAccount deletes the record at index and remaps ActiveIndex and
// ActiveIndexByFamily to account for the shift.
func (s *Store) RemoveAccount(ctx context.Context, index int) error {
	return s.Mutate(ctx, func(sf *StoreFile) error {
		if index < 0 || index >= len(sf.Accounts) {
			return fmt.Errorf("store: index %d out of range", index)
		}
		before := append([]AccountRecord(nil), sf.Accounts...)
		sf.Accounts = append(sf.Accounts[:index], sf.Accounts[index+1:]...)
		sf.ActiveIndex = RemapActiveIndex(before, sf.ActiveIndex, sf.Accounts)
		for fam, i := range sf.ActiveIndexByFamily {
			sf.ActiveIndexByFamily[fam] = RemapActiveIndex(before, i, sf.Accounts)
		}
		return nil
	})
}

// Inspection is the diagnostic view Inspect returns: the path backing the
// store, the account count, and how many accounts are hydrated, disabled
// and quarantined. Used by the CLI's `verify` command.
type Inspection struct {
	Path           string
	TotalAccounts  int
	HydratedCount  int
	DisabledCount  int
	QuarantinedCount int
}

func (s *Store) Inspect(ctx context.Context) (Inspection, error) {
	sf, err := s.Load(ctx)
	if err != nil {
		return Inspection{}, err
	}
	insp := Inspection{Path: s.path, TotalAccounts: len(sf.Accounts)}
	for _, a := range sf.Accounts {
		if a.AccountID != "" && a.Email != "" && a.Plan != "" {
			insp.HydratedCount++
		}
		if a.Disabled {
			insp.DisabledCount++
		}
		if a.Quarantined {
			insp.QuarantinedCount++
		}
	}
	return insp, nil
}

// Path returns the file path this store is bound to.
func (s *Store) Path() string { return s.path }
