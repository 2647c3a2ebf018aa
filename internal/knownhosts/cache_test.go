package knownhosts

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gluk-w/sshkeyauth/internal/testkeys"
)

func TestCache_LookupMemoizes(t *testing.T) {
	dir := t.TempDir()
	first := testkeys.Ed25519(t, "")
	path := testkeys.WriteFile(t, dir, "known_hosts", knownHostsLine("host1", first)+"\n")

	c := NewCache(0)
	key, ok, err := c.Lookup(path, "host1")
	if err != nil || !ok {
		t.Fatalf("Lookup() = %v, %v", ok, err)
	}
	if !sameKey(key.PublicKey(), first.Signer.PublicKey()) {
		t.Fatal("wrong key")
	}

	// Rewrite the file; the cached parse must still answer.
	second := testkeys.Ed25519(t, "")
	testkeys.WriteFile(t, dir, "known_hosts", knownHostsLine("host1", second)+"\n")
	key, _, _ = c.Lookup(path, "host1")
	if !sameKey(key.PublicKey(), first.Signer.PublicKey()) {
		t.Error("expected cached key before invalidation")
	}

	c.Invalidate(path)
	key, _, _ = c.Lookup(path, "host1")
	if !sameKey(key.PublicKey(), second.Signer.PublicKey()) {
		t.Error("expected re-read key after invalidation")
	}
}

func TestCache_MissingFileNotCached(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "known_hosts")
	c := NewCache(0)

	if _, _, err := c.Lookup(path, "host1"); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("Len: got %d, want 0", c.Len())
	}

	pair := testkeys.Ed25519(t, "")
	testkeys.WriteFile(t, dir, "known_hosts", knownHostsLine("host1", pair)+"\n")
	if _, ok, err := c.Lookup(path, "host1"); err != nil || !ok {
		t.Errorf("after creating the file: ok=%v err=%v", ok, err)
	}
}

func TestCache_MaxAge(t *testing.T) {
	dir := t.TempDir()
	first := testkeys.Ed25519(t, "")
	path := testkeys.WriteFile(t, dir, "known_hosts", knownHostsLine("host1", first)+"\n")

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCache(time.Minute)
	c.SetNowFunc(func() time.Time { return now })

	if _, _, err := c.Lookup(path, "host1"); err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	second := testkeys.Ed25519(t, "")
	testkeys.WriteFile(t, dir, "known_hosts", knownHostsLine("host1", second)+"\n")

	now = now.Add(30 * time.Second)
	key, _, _ := c.Lookup(path, "host1")
	if !sameKey(key.PublicKey(), first.Signer.PublicKey()) {
		t.Error("entry younger than maxAge should be served from cache")
	}

	now = now.Add(time.Minute)
	key, _, _ = c.Lookup(path, "host1")
	if !sameKey(key.PublicKey(), second.Signer.PublicKey()) {
		t.Error("entry older than maxAge should be re-read")
	}
}

func TestCache_InvalidateAll(t *testing.T) {
	dir := t.TempDir()
	pair := testkeys.Ed25519(t, "")
	a := testkeys.WriteFile(t, dir, "a", knownHostsLine("host1", pair)+"\n")
	b := testkeys.WriteFile(t, dir, "b", knownHostsLine("host2", pair)+"\n")

	c := NewCache(0)
	c.Lookup(a, "host1")
	c.Lookup(b, "host2")
	if c.Len() != 2 {
		t.Fatalf("Len: got %d, want 2", c.Len())
	}
	if n := c.InvalidateAll(); n != 2 {
		t.Errorf("InvalidateAll: got %d, want 2", n)
	}
	if c.Len() != 0 {
		t.Errorf("Len after InvalidateAll: got %d, want 0", c.Len())
	}
}
