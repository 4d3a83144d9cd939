package worker

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/withObsrvr/obsrvr-dispatch/internal/config"
	"github.com/withObsrvr/obsrvr-dispatch/internal/metadata"
	"github.com/withObsrvr/obsrvr-dispatch/internal/transfer"
)

// Link is the worker's state for one dispatcher. Links do not share tasks,
// assets or identities.
type Link struct {
	Entry config.DispatcherEntry
	Dir   string
	Book  *TaskBook

	ids      *metadata.Store
	verifier *transfer.Verifier
}

var unsafeDirChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// DirName maps a dispatcher URL to a directory name.
func DirName(dispatcherURL string) string {
	s := strings.TrimPrefix(strings.TrimPrefix(dispatcherURL, "https://"), "http://")
	s = unsafeDirChars.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

// OpenLink prepares the directory, task book and verifier of one dispatcher.
func OpenLink(homeDir string, entry config.DispatcherEntry, ids *metadata.Store) (*Link, error) {
	dir := filepath.Join(homeDir, "dispatchers", DirName(entry.URL))
	book, err := OpenTaskBook(dir)
	if err != nil {
		return nil, err
	}

	verifier := transfer.NewVerifier(nil)
	if entry.PublicKeyFile != "" {
		verifier, err = transfer.LoadVerifier(entry.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("dispatcher %s: %w", entry.URL, err)
		}
	}

	return &Link{
		Entry:    entry,
		Dir:      dir,
		Book:     book,
		ids:      ids,
		verifier: verifier,
	}, nil
}

// URL is the dispatcher base URL.
func (l *Link) URL() string {
	return l.Entry.URL
}

// WorkerID returns the id held with this dispatcher, or "".
func (l *Link) WorkerID() string {
	id, err := l.ids.Get(l.Entry.URL)
	if err != nil {
		return ""
	}
	return id.WorkerID
}

// AssetPath is where an asset of this dispatcher lives on disk. Assets are
// shared by every task that references the same code.
func (l *Link) AssetPath(typ transfer.AssetType, code string) string {
	return filepath.Join(l.Dir, "assets", string(typ), code)
}

// Links is the set of dispatchers a worker talks to.
type Links struct {
	order []*Link
	byURL map[string]*Link
}

// NewLinks indexes links by URL.
func NewLinks(links ...*Link) *Links {
	l := &Links{byURL: make(map[string]*Link, len(links))}
	for _, link := range links {
		l.order = append(l.order, link)
		l.byURL[link.URL()] = link
	}
	return l
}

// Get returns the link for a dispatcher URL.
func (l *Links) Get(dispatcherURL string) (*Link, bool) {
	link, ok := l.byURL[dispatcherURL]
	return link, ok
}

// All returns every link in configuration order.
func (l *Links) All() []*Link {
	return l.order
}
