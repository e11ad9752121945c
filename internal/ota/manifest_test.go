package ota

import (
	"path/filepath"
	"testing"
)

func TestManifestSetGetList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	r, err := NewManifestRepo(path)
	if err != nil {
		t.Fatalf("NewManifestRepo: %v", err)
	}

	m := Manifest{Platform: "esp32-s3", Track: "stable", Version: "1.2.0", URL: "/ota/bin/x", SHA256: "abc"}
	if err := r.Set(m); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := r.Get("esp32-s3", "stable")
	if !ok || got.Version != "1.2.0" {
		t.Fatalf("Get = %+v, ok=%v, want version 1.2.0", got, ok)
	}

	if len(r.List()) != 1 {
		t.Fatalf("List len = %d, want 1", len(r.List()))
	}
}

func TestManifestPersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	r1, _ := NewManifestRepo(path)
	r1.Set(Manifest{Platform: "esp32-s3", Track: "beta", Version: "2.0.0"})

	r2, err := NewManifestRepo(path)
	if err != nil {
		t.Fatalf("reload NewManifestRepo: %v", err)
	}
	got, ok := r2.Get("esp32-s3", "beta")
	if !ok || got.Version != "2.0.0" {
		t.Fatalf("reloaded Get = %+v, ok=%v, want version 2.0.0", got, ok)
	}
}

func TestSafeJoinRejectsTraversal(t *testing.T) {
	if _, err := SafeJoin("/data/ota", "../../etc/passwd"); err == nil {
		t.Fatal("expected SafeJoin to reject a traversal path")
	}
	got, err := SafeJoin("/data/ota", "firmware-1.2.0.bin")
	if err != nil {
		t.Fatalf("SafeJoin: %v", err)
	}
	if got != filepath.Join("/data/ota", "firmware-1.2.0.bin") {
		t.Fatalf("SafeJoin = %q, want joined path", got)
	}
}
