package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DispatcherEntry is one dispatcher a worker talks to. Entries are independent
// of each other.
type DispatcherEntry struct {
	URL               string `yaml:"url"`
	Disabled          bool   `yaml:"disabled"`
	SignatureRequired bool   `yaml:"signature_required"`
	AcceptOnlySigned  bool   `yaml:"accept_only_signed"`
	PublicKeyFile     string `yaml:"public_key_file"`
	ChunkSize         int64  `yaml:"chunk_size"`
	Compress          bool   `yaml:"compress"`
}

type dispatchersFile struct {
	Dispatchers []DispatcherEntry `yaml:"dispatchers"`
}

// LoadDispatchers reads the worker's dispatcher list.
func LoadDispatchers(path string) ([]DispatcherEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dispatchers file: %w", err)
	}

	var f dispatchersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse dispatchers file: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Dispatchers))
	out := make([]DispatcherEntry, 0, len(f.Dispatchers))
	for i, d := range f.Dispatchers {
		d.URL = strings.TrimRight(strings.TrimSpace(d.URL), "/")
		if err := validateURL(d.URL); err != nil {
			return nil, fmt.Errorf("dispatcher %d: %w", i, err)
		}
		if _, dup := seen[d.URL]; dup {
			return nil, fmt.Errorf("dispatcher %d: duplicate url %s", i, d.URL)
		}
		seen[d.URL] = struct{}{}
		if d.SignatureRequired && d.PublicKeyFile == "" {
			return nil, fmt.Errorf("dispatcher %s: signature_required needs public_key_file", d.URL)
		}
		if d.Disabled {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Dispatchers resolves the worker's dispatcher list from the file, or the
// single DISPATCHER_URL.
func (c WorkerConfig) Dispatchers() ([]DispatcherEntry, error) {
	if c.DispatchersFile != "" {
		return LoadDispatchers(c.DispatchersFile)
	}
	u := strings.TrimRight(strings.TrimSpace(c.DispatcherURL), "/")
	if err := validateURL(u); err != nil {
		return nil, err
	}
	return []DispatcherEntry{{URL: u}}, nil
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %s must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %s has no host", raw)
	}
	return nil
}
