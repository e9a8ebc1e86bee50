package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/use-agent/extractengine/ports"
)

func TestOpenCreatesEmptyDocument(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "sites.yaml"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	all, err := s.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected empty document, got %d records", len(all))
	}
}

func TestSaveGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "sites.yaml"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	cfg := ports.SiteConfig{
		Domain:               "Example.com",
		Selector:             "//article[@id='main']",
		Method:               ports.MethodDirectRender,
		FailuresSinceSuccess: 0,
		Headers:              map[string]string{"Accept-Language": "en"},
		CleanupClasses:       []string{"ad", "share-bar"},
	}
	if err := s.Save(ctx, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Get(ctx, "example.com")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected a record, got nil")
	}
	if got.Domain != "example.com" || got.Selector != cfg.Selector {
		t.Errorf("got %+v", got)
	}

	// Mutating the returned copy must not affect the stored record.
	got.Headers["Accept-Language"] = "fr"
	got.CleanupClasses[0] = "mutated"
	again, err := s.Get(ctx, "example.com")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if again.Headers["Accept-Language"] != "en" {
		t.Error("Get must return a copy, not an alias into the cache")
	}
	if again.CleanupClasses[0] != "ad" {
		t.Error("Get must deep-copy slice fields")
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "sites.yaml"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := s.Get(ctx, "nowhere.example")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing domain, got %+v", got)
	}
}

func TestIncrementFailureNoOpOnMissing(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "sites.yaml"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.IncrementFailure(ctx, "nowhere.example"); err != nil {
		t.Fatalf("IncrementFailure: %v", err)
	}
	all, err := s.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("expected no record to be created, got %d", len(all))
	}
}

func TestIncrementFailureAndMarkSuccess(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "sites.yaml"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cfg := ports.SiteConfig{Domain: "example.com", Selector: "//main"}
	if err := s.Save(ctx, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := s.IncrementFailure(ctx, "example.com"); err != nil {
		t.Fatalf("IncrementFailure: %v", err)
	}
	if err := s.IncrementFailure(ctx, "example.com"); err != nil {
		t.Fatalf("IncrementFailure: %v", err)
	}
	got, _ := s.Get(ctx, "example.com")
	if got.FailuresSinceSuccess != 2 {
		t.Fatalf("expected failuresSinceSuccess == 2, got %d", got.FailuresSinceSuccess)
	}

	if err := s.MarkSuccess(ctx, "example.com"); err != nil {
		t.Fatalf("MarkSuccess: %v", err)
	}
	got, _ = s.Get(ctx, "example.com")
	if got.FailuresSinceSuccess != 0 {
		t.Errorf("expected failuresSinceSuccess reset to 0, got %d", got.FailuresSinceSuccess)
	}
	if got.LastSuccessTs == nil {
		t.Error("expected lastSuccessTs to be set")
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "sites.yaml"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Save(ctx, ports.SiteConfig{Domain: "example.com"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(ctx, "example.com"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err := s.Get(ctx, "example.com")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("expected record to be gone, got %+v", got)
	}
}

func TestSaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "sites.yaml"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cfg := ports.SiteConfig{Domain: "example.com", Selector: "//main"}
	if err := s.Save(ctx, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	all, err := s.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected exactly one record after repeated identical save, got %d", len(all))
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "sites.yaml")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cfg := ports.SiteConfig{Domain: "example.com", Selector: "//article"}
	if err := s1.Save(ctx, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := s2.Get(ctx, "example.com")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Selector != "//article" {
		t.Errorf("expected persisted record to survive reopen, got %+v", got)
	}
}

func TestConcurrentWritesSerialize(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "sites.yaml"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Save(ctx, ports.SiteConfig{Domain: "example.com"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var wg sync.WaitGroup
	const n = 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = s.IncrementFailure(ctx, "example.com")
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, "example.com")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.FailuresSinceSuccess != n {
		t.Errorf("expected %d increments to be observed, got %d", n, got.FailuresSinceSuccess)
	}
}
