// Package metadata persists the identities a worker holds with each
// dispatcher.
package metadata

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-dispatch/internal/util"
)

// FileName is the metadata file inside the worker home.
const FileName = "metadata.yaml"

// ErrNoIdentity is returned when no identity is stored for a dispatcher.
var ErrNoIdentity = errors.New("no identity for dispatcher")

// Identity is what a worker presents to one dispatcher.
type Identity struct {
	WorkerID  string    `yaml:"workerId"`
	SessionID string    `yaml:"sessionId"`
	UpdatedAt time.Time `yaml:"updatedAt"`
}

type document struct {
	Dispatchers map[string]Identity `yaml:"dispatchers"`
}

// Store is the metadata file, keyed by dispatcher URL. Every change is written
// through before the call returns.
type Store struct {
	path string

	mu      sync.Mutex
	entries map[string]Identity
}

// Open loads dir/metadata.yaml. A missing file is an empty store.
func Open(dir string) (*Store, error) {
	if err := util.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create metadata directory %s: %w", dir, err)
	}
	s := &Store{
		path:    filepath.Join(dir, FileName),
		entries: make(map[string]Identity),
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata file: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse metadata file: %w", err)
	}
	for url, id := range doc.Dispatchers {
		s.entries[url] = id
	}
	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Get returns the identity held with dispatcherURL.
func (s *Store) Get(dispatcherURL string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[dispatcherURL]
	if !ok {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}

// Set replaces the identity held with dispatcherURL.
func (s *Store) Set(dispatcherURL, workerID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[dispatcherURL] = Identity{
		WorkerID:  workerID,
		SessionID: sessionID,
		UpdatedAt: time.Now().UTC(),
	}
	return s.save()
}

// Forget drops the identity held with dispatcherURL. The next round with that
// dispatcher asks for a new one.
func (s *Store) Forget(dispatcherURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[dispatcherURL]; !ok {
		return ErrNoIdentity
	}
	delete(s.entries, dispatcherURL)
	return s.save()
}

// URLs lists the dispatchers with a stored identity, sorted.
func (s *Store) URLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	urls := make([]string, 0, len(s.entries))
	for u := range s.entries {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}

func (s *Store) save() error {
	data, err := yaml.Marshal(document{Dispatchers: s.entries})
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := util.WriteFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	return nil
}
