// Package store implements C1: the site-config document. One YAML file
// holds the full domain -> SiteConfig collection; every write rewrites it
// atomically (temp file + rename) and the in-memory read cache is only
// published once the rename succeeds, so reads never observe torn state
// and never block behind a write in progress.
//
// The temp-file-then-rename idiom is grounded on the pack's
// internal/cache/httpcache.go Save: write content to a ".tmp" sibling,
// close it, then os.Rename into place. Serializing writes behind a single
// mutex follows the teacher's cache.Cache shape (one mu guarding a map),
// generalized here to guard the file handle rather than an in-memory map.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/use-agent/extractengine/domainkey"
	"github.com/use-agent/extractengine/errs"
	"github.com/use-agent/extractengine/ports"
)

// document is the on-disk shape: domain -> config, normalized-domain keyed.
type document struct {
	Sites map[string]ports.SiteConfig `yaml:"sites"`
}

// FileStore is a ports.Store backed by a single YAML document on disk.
// Safe for concurrent use.
type FileStore struct {
	path string

	writeMu sync.Mutex // serializes save/incrementFailure/markSuccess/delete

	cacheMu sync.RWMutex
	cache   map[string]ports.SiteConfig
}

// Open loads (or creates) the document at path and returns a ready FileStore.
func Open(path string) (*FileStore, error) {
	s := &FileStore{path: path}

	doc, err := readDocument(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errs.New(errs.Unknown, "read site-config document", err)
		}
		doc = document{Sites: make(map[string]ports.SiteConfig)}
		if err := writeDocumentAtomic(path, doc); err != nil {
			return nil, errs.New(errs.Unknown, "create site-config document", err)
		}
	}
	if doc.Sites == nil {
		doc.Sites = make(map[string]ports.SiteConfig)
	}
	s.cache = doc.Sites
	return s, nil
}

func readDocument(path string) (document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return document{}, err
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("unmarshal site-config document: %w", err)
	}
	return doc, nil
}

func writeDocumentAtomic(path string, doc document) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir: %w", err)
		}
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal site-config document: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Get returns a copy of the record for domain, or nil if no record exists.
func (s *FileStore) Get(_ context.Context, domain string) (*ports.SiteConfig, error) {
	key := domainkey.Normalize(domain)
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	cfg, ok := s.cache[key]
	if !ok {
		return nil, nil
	}
	clone := cfg.Clone()
	return &clone, nil
}

// GetAll returns copies of every record in the store.
func (s *FileStore) GetAll(_ context.Context) ([]ports.SiteConfig, error) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	out := make([]ports.SiteConfig, 0, len(s.cache))
	for _, cfg := range s.cache {
		out = append(out, cfg.Clone())
	}
	return out, nil
}

// Save upserts cfg, keyed by its normalized domain.
func (s *FileStore) Save(_ context.Context, cfg ports.SiteConfig) error {
	cfg.Domain = domainkey.Normalize(cfg.Domain)
	return s.mutate(func(sites map[string]ports.SiteConfig) {
		sites[cfg.Domain] = cfg.Clone()
	})
}

// IncrementFailure adds 1 to failuresSinceSuccess if the record exists;
// otherwise it is a no-op.
func (s *FileStore) IncrementFailure(_ context.Context, domain string) error {
	key := domainkey.Normalize(domain)
	return s.mutate(func(sites map[string]ports.SiteConfig) {
		cfg, ok := sites[key]
		if !ok {
			return
		}
		cfg.FailuresSinceSuccess++
		sites[key] = cfg
	})
}

// MarkSuccess resets failuresSinceSuccess to 0 and stamps lastSuccessTs if
// the record exists; otherwise it is a no-op.
func (s *FileStore) MarkSuccess(_ context.Context, domain string) error {
	key := domainkey.Normalize(domain)
	return s.mutate(func(sites map[string]ports.SiteConfig) {
		cfg, ok := sites[key]
		if !ok {
			return
		}
		cfg.FailuresSinceSuccess = 0
		now := time.Now().UTC()
		cfg.LastSuccessTs = &now
		sites[key] = cfg
	})
}

// Delete removes the record for domain, if any.
func (s *FileStore) Delete(_ context.Context, domain string) error {
	key := domainkey.Normalize(domain)
	return s.mutate(func(sites map[string]ports.SiteConfig) {
		delete(sites, key)
	})
}

// mutate applies fn to a fresh copy of the cache, persists the result
// atomically, and only then publishes it as the new read cache. A failed
// write leaves the prior cache and on-disk document untouched.
func (s *FileStore) mutate(fn func(sites map[string]ports.SiteConfig)) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.cacheMu.RLock()
	next := make(map[string]ports.SiteConfig, len(s.cache))
	for k, v := range s.cache {
		next[k] = v.Clone()
	}
	s.cacheMu.RUnlock()

	fn(next)

	if err := writeDocumentAtomic(s.path, document{Sites: next}); err != nil {
		return errs.New(errs.Unknown, "persist site-config document", err)
	}

	s.cacheMu.Lock()
	s.cache = next
	s.cacheMu.Unlock()
	return nil
}
