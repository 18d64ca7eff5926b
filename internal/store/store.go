// Package store persists node state objects under the node home directory:
// identity files, the planet definition, cached per-network configs and
// cached per-peer records.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/wisdark/ztnode/internal/engine"
	"github.com/wisdark/ztnode/internal/logging"
)

// ErrDisabled is returned when an object type's caching is turned off.
var ErrDisabled = errors.New("store: object type disabled")

const (
	networksDir = "networks.d"
	peersDir    = "peers.d"
)

// Store is a file-backed state store rooted at the node home directory.
// Writes are deduplicated: byte-identical content is not rewritten.
type Store struct {
	home           string
	networkCaching bool
	peerCaching    bool
	log            *slog.Logger

	writes atomic.Int64
}

// New creates a store rooted at home, creating the directory if needed.
func New(home string, networkCaching, peerCaching bool) (*Store, error) {
	if err := os.MkdirAll(home, 0o700); err != nil {
		return nil, fmt.Errorf("store: cannot create home directory: %w", err)
	}
	return &Store{
		home:           home,
		networkCaching: networkCaching,
		peerCaching:    peerCaching,
		log:            logging.WithComponent("store"),
	}, nil
}

// Home returns the node home directory.
func (s *Store) Home() string {
	return s.home
}

// objectPath resolves an object to its on-disk location. secure objects get
// 0600 permissions. Returns ErrDisabled for toggled-off object types.
func (s *Store) objectPath(t engine.StateObjectType, id uint64) (path, dir string, secure bool, err error) {
	switch t {
	case engine.StateObjectIdentityPublic:
		return filepath.Join(s.home, "identity.public"), "", false, nil
	case engine.StateObjectIdentitySecret:
		return filepath.Join(s.home, "identity.secret"), "", true, nil
	case engine.StateObjectPlanet:
		return filepath.Join(s.home, "planet"), "", false, nil
	case engine.StateObjectNetworkConfig:
		if !s.networkCaching {
			return "", "", false, ErrDisabled
		}
		dir = filepath.Join(s.home, networksDir)
		return filepath.Join(dir, fmt.Sprintf("%.16x.conf", id)), dir, true, nil
	case engine.StateObjectPeer:
		if !s.peerCaching {
			return "", "", false, ErrDisabled
		}
		dir = filepath.Join(s.home, peersDir)
		return filepath.Join(dir, fmt.Sprintf("%.10x.peer", id)), dir, false, nil
	default:
		return "", "", false, fmt.Errorf("store: unknown object type %d", t)
	}
}

// Get reads an object. ok is false if the object does not exist, its type
// is disabled, or it cannot be read.
func (s *Store) Get(t engine.StateObjectType, id uint64) ([]byte, bool) {
	path, _, _, err := s.objectPath(t, id)
	if err != nil {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Put persists an object; a nil data slice deletes it. Failures are logged
// and never surfaced: a lost cache write degrades startup, nothing else.
func (s *Store) Put(t engine.StateObjectType, id uint64, data []byte) {
	path, dir, secure, err := s.objectPath(t, id)
	if err != nil {
		return
	}

	if data == nil {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warn("unable to delete state object", "path", path, "error", err)
		}
		return
	}

	// Skip the write when content is unchanged. This cuts I/O amplification
	// on frequent no-op config refreshes.
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, data) {
		return
	}

	if dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			s.log.Warn("unable to create state directory", "dir", dir, "error", err)
			return
		}
	}

	mode := os.FileMode(0o644)
	if secure {
		mode = 0o600
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		s.log.Warn("unable to write state object", "path", path, "error", err)
		return
	}
	s.writes.Add(1)
	if secure {
		// WriteFile's mode only applies to newly created files.
		if err := os.Chmod(path, 0o600); err != nil {
			s.log.Warn("unable to restrict state object permissions", "path", path, "error", err)
		}
	}
}

// Writes returns the number of filesystem writes performed so far.
func (s *Store) Writes() int64 {
	return s.writes.Load()
}

// CachedNetworks lists the network IDs with cached configs under
// networks.d. Used to rejoin networks on start.
func (s *Store) CachedNetworks() []uint64 {
	if !s.networkCaching {
		return nil
	}
	entries, err := os.ReadDir(filepath.Join(s.home, networksDir))
	if err != nil {
		return nil
	}
	var ids []uint64
	for _, e := range entries {
		name := e.Name()
		stem, found := strings.CutSuffix(name, ".conf")
		if !found || len(stem) != 16 {
			continue
		}
		id, err := strconv.ParseUint(stem, 16, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// RemoveNetworkLocalConfig deletes the local settings override file for a
// destroyed network.
func (s *Store) RemoveNetworkLocalConfig(networkID uint64) {
	if !s.networkCaching {
		return
	}
	path := filepath.Join(s.home, networksDir, fmt.Sprintf("%.16x.local.conf", networkID))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("unable to remove network local config", "path", path, "error", err)
	}
}

// CleanPeers deletes cached peer records not modified since before. Returns
// the number of records removed.
func (s *Store) CleanPeers(before time.Time) int {
	dir := filepath.Join(s.home, peersDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(before) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed
}
