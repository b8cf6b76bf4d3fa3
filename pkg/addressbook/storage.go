package addressbook

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	currentVersion = 1

	tempFileSuffix   = ".tmp"
	backupFileSuffix = ".bak"
	lockFileSuffix   = ".lock"
)

// storage persists the book to a single file. Writes go through a
// temporary file and a rename; an inter-process lock file guards both
// directions.
type storage struct {
	path     string
	lockPath string
	mu       sync.Mutex
}

func newStorage(path string) *storage {
	return &storage{path: path, lockPath: path + lockFileSuffix}
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// load reads the book. A missing or empty file is an empty book; a
// corrupted one is moved aside to path.bak and also yields an empty book.
func (s *storage) load() (map[peer.ID]*PeerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := s.acquireFileLock()
	if err != nil {
		return nil, fmt.Errorf("lock address book: %w", err)
	}
	defer s.releaseFileLock(lock)

	peers := make(map[peer.ID]*PeerEntry)
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(raw) == 0) {
		return peers, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read address book: %w", err)
	}

	var data bookData
	if err := cbor.Unmarshal(raw, &data); err != nil || data.Version != currentVersion {
		if err == nil {
			err = fmt.Errorf("unsupported version %d", data.Version)
		}
		if berr := os.Rename(s.path, s.path+backupFileSuffix); berr != nil {
			return nil, fmt.Errorf("address book unreadable (%v) and backup failed: %w", err, berr)
		}
		return peers, nil
	}
	for _, r := range data.Peers {
		e, err := fromRecord(r)
		if err != nil {
			continue
		}
		peers[e.PeerID] = e
	}
	return peers, nil
}

func (s *storage) save(peers map[peer.ID]*PeerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := s.acquireFileLock()
	if err != nil {
		return fmt.Errorf("lock address book: %w", err)
	}
	defer s.releaseFileLock(lock)

	if err := ensureDir(s.path); err != nil {
		return fmt.Errorf("create address book directory: %w", err)
	}

	data := bookData{Version: currentVersion, Peers: make([]record, 0, len(peers))}
	for _, e := range peers {
		data.Peers = append(data.Peers, toRecord(e))
	}
	raw, err := cbor.Marshal(&data)
	if err != nil {
		return fmt.Errorf("encode address book: %w", err)
	}

	tmp := s.path + tempFileSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temporary file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temporary file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temporary file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temporary file: %w", err)
	}
	return nil
}
