package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewFileStore(t *testing.T) {
	t.Run("requires a path", func(t *testing.T) {
		if _, err := NewFileStore(""); err == nil {
			t.Fatal("expected error for empty path")
		}
	})

	t.Run("missing file yields empty store", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policy.json")
		store, err := NewFileStore(path)
		if err != nil {
			t.Fatalf("NewFileStore failed: %v", err)
		}
		if store.Path() != path {
			t.Errorf("Expected path %s, got %s", path, store.Path())
		}
		if len(store.GetSection("policy")) != 0 {
			t.Error("Expected empty section")
		}
		if store.IsModified() {
			t.Error("New store should not be modified")
		}
	})

	t.Run("invalid JSON fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policy.json")
		if err := os.WriteFile(path, []byte("{invalid json}"), 0644); err != nil {
			t.Fatalf("Failed to write file: %v", err)
		}
		if _, err := NewFileStore(path); err == nil {
			t.Fatal("expected error for invalid JSON")
		}
	})
}

func TestFileStore_SaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "policy.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	store.SetSection("policy", map[string]any{"operator_model": "gpt-4o", "max_sessions": 5})
	if !store.IsModified() {
		t.Error("store should be modified after SetSection")
	}
	if err := store.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if store.IsModified() {
		t.Error("store should not be modified after Save")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not remain after Save")
	}

	reloaded, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	section := reloaded.GetSection("policy")
	if section["operator_model"] != "gpt-4o" {
		t.Errorf("Expected operator_model gpt-4o, got %v", section["operator_model"])
	}
	// JSON numbers decode as float64.
	if section["max_sessions"] != float64(5) {
		t.Errorf("Expected max_sessions 5, got %v", section["max_sessions"])
	}
}

func TestFileStore_SectionsAreCopies(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "policy.json"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	data := map[string]any{"key": "value"}
	store.SetSection("s", data)
	data["key"] = "changed"

	got := store.GetSection("s")
	if got["key"] != "value" {
		t.Errorf("store kept a reference to the caller's map")
	}
	got["key"] = "changed"
	if store.GetSection("s")["key"] != "value" {
		t.Errorf("GetSection returned the internal map")
	}
}

func TestFileStore_LoadDiscardsUnsavedChanges(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "policy.json"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	store.SetSection("s", map[string]any{"key": "value"})

	if err := store.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(store.GetSection("s")) != 0 {
		t.Error("Load should discard unsaved sections")
	}
}
