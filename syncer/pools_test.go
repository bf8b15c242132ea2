package syncer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/noma-protocol/frontend-sub002/models"
)

func writePoolDoc(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pools.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write pool doc: %v", err)
	}
	return path
}

func TestNewPoolRegistryMissingDocument(t *testing.T) {
	r, err := NewPoolRegistry(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing document should not fail: %v", err)
	}
	if len(r.All()) != 0 {
		t.Errorf("expected empty registry, got %d pools", len(r.All()))
	}

	r, err = NewPoolRegistry("")
	if err != nil {
		t.Fatalf("empty path: %v", err)
	}
	if len(r.All()) != 0 {
		t.Errorf("expected empty registry for empty path")
	}
}

func TestPoolRegistryLoadAndLookup(t *testing.T) {
	path := writePoolDoc(t, `
pools:
  - name: noma-weth
    address: "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
    version: v3
    token0: "0x1111111111111111111111111111111111111111"
    enabled: true
  - name: legacy
    address: "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
    token0: "0x1111111111111111111111111111111111111111"
`)
	r, err := NewPoolRegistry(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if got := len(r.All()); got != 2 {
		t.Fatalf("pool count = %d, want 2", got)
	}
	if got := len(r.Enabled()); got != 1 {
		t.Fatalf("enabled count = %d, want 1", got)
	}

	// Lookup is case-insensitive and addresses are stored lowercase
	pool, ok := r.Get("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	if !ok {
		t.Fatal("mixed-case lookup failed")
	}
	if pool.Address != "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" {
		t.Errorf("address not lowercased: %s", pool.Address)
	}
	if pool.Version != models.PoolV3 {
		t.Errorf("version = %s, want %s", pool.Version, models.PoolV3)
	}

	// Omitted version defaults to v2
	pool, _ = r.Get("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	if pool.Version != models.PoolV2 {
		t.Errorf("default version = %s, want %s", pool.Version, models.PoolV2)
	}
}

func TestPoolRegistryReloadReplacesSet(t *testing.T) {
	path := writePoolDoc(t, `
pools:
  - name: first
    address: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
    enabled: true
`)
	r, err := NewPoolRegistry(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := os.WriteFile(path, []byte(`
pools:
  - name: second
    address: "0xcccccccccccccccccccccccccccccccccccccccc"
    enabled: true
`), 0o644); err != nil {
		t.Fatalf("rewrite doc: %v", err)
	}
	if err := r.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if _, ok := r.Get("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"); ok {
		t.Error("stale pool survived reload")
	}
	if _, ok := r.Get("0xcccccccccccccccccccccccccccccccccccccccc"); !ok {
		t.Error("new pool missing after reload")
	}
}

func TestPoolRegistryReloadFailureKeepsPrevious(t *testing.T) {
	path := writePoolDoc(t, `
pools:
  - name: first
    address: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
    enabled: true
`)
	r, err := NewPoolRegistry(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove doc: %v", err)
	}
	if err := r.Reload(); err == nil {
		t.Fatal("expected reload error for missing document")
	}
	if _, ok := r.Get("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"); !ok {
		t.Error("previous set should survive a failed reload")
	}
}

func TestPoolRegistryAdd(t *testing.T) {
	r, err := NewPoolRegistry("")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	r.Add(models.PoolConfig{Name: "default", Address: "0xDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDD", Version: models.PoolV3, Enabled: true})
	pool, ok := r.Get("0xdddddddddddddddddddddddddddddddddddddddd")
	if !ok {
		t.Fatal("added pool not found")
	}
	if pool.Name != "default" {
		t.Errorf("name = %s", pool.Name)
	}

	// Replacing keeps a single entry
	r.Add(models.PoolConfig{Name: "renamed", Address: "0xdddddddddddddddddddddddddddddddddddddddd", Enabled: false})
	if got := len(r.All()); got != 1 {
		t.Fatalf("pool count after replace = %d, want 1", got)
	}
	if got := len(r.Enabled()); got != 0 {
		t.Errorf("enabled after disable = %d, want 0", got)
	}
}
