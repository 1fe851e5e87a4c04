package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/punchamoorthee/bankledger/internal/domain"
)

const snapshotVersion = 1

type Meta struct {
	Storage   string    `json:"storage"`
	Version   int       `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the persisted form of a MemoryStore.
type Snapshot struct {
	Meta         Meta                 `json:"meta"`
	Users        []domain.User        `json:"users"`
	Accounts     []domain.Account     `json:"accounts"`
	Transactions []domain.Transaction `json:"transactions"`
}

// Snapshot copies the committed state of the store.
func (m *MemoryStore) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		Meta:         Meta{Storage: "memory", Version: snapshotVersion},
		Users:        make([]domain.User, 0, len(m.users)),
		Transactions: append([]domain.Transaction(nil), m.log...),
	}
	for _, u := range m.users {
		snap.Users = append(snap.Users, u)
	}
	sortUsers(snap.Users)
	accounts, _ := m.listLocked("")
	snap.Accounts = accounts
	return snap
}

func (m *MemoryStore) listLocked(ownerID string) ([]domain.Account, error) {
	out := make([]domain.Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		if ownerID == "" || acc.OwnerID == ownerID {
			out = append(out, *acc)
		}
	}
	sortAccounts(out)
	return out, nil
}

// RestoreMemoryStore rebuilds a store from a snapshot. Every account balance
// must equal its opening balance plus the applied records touching it.
func RestoreMemoryStore(snap Snapshot, opts ...MemoryOption) (*MemoryStore, error) {
	if snap.Meta.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Meta.Version)
	}
	m := NewMemoryStore(opts...)
	for _, u := range snap.Users {
		m.users[u.ID] = u
	}
	replayed := make(map[int64]int64, len(snap.Accounts))
	for _, a := range snap.Accounts {
		acc := a
		if acc.Type == "" {
			acc.Type = domain.AccountChecking
		}
		m.accounts[acc.ID] = &acc
		replayed[acc.ID] = acc.OpeningBalance
		m.lastAccID = max(m.lastAccID, acc.ID)
	}
	for i, t := range snap.Transactions {
		if t.ID <= m.lastTxID {
			return nil, fmt.Errorf("transaction %d out of order", t.ID)
		}
		m.lastTxID = t.ID
		m.log = append(m.log, t)
		if t.RequestToken != "" {
			m.tokens[t.RequestToken] = i
		}
		for _, id := range []int64{t.SourceAccountID, t.DestinationAccountID} {
			if _, ok := replayed[id]; ok && t.Status == domain.TxApplied {
				replayed[id] += t.Delta(id)
			}
		}
	}
	for id, want := range replayed {
		if got := m.accounts[id].Balance; got != want {
			return nil, fmt.Errorf("account %d: stored balance %d, replayed %d", id, got, want)
		}
	}
	return m, nil
}

// OpenMemoryStore restores the store saved at path, or returns an empty
// store when no snapshot exists yet.
func OpenMemoryStore(path string, opts ...MemoryOption) (*MemoryStore, error) {
	snap, err := LoadSnapshot(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewMemoryStore(opts...), nil
	}
	if err != nil {
		return nil, err
	}
	return RestoreMemoryStore(snap, opts...)
}

// Save writes the store to path.
func (m *MemoryStore) Save(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return SaveSnapshot(path, m.Snapshot())
}

func LoadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return snap, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return snap, nil
}

// SaveSnapshot writes to a temporary file and renames it over path so a
// failed write never leaves a truncated snapshot behind.
func SaveSnapshot(path string, snap Snapshot) error {
	snap.Meta.Timestamp = time.Now().UTC()
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
