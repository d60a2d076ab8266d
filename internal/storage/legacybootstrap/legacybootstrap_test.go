package legacybootstrap

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadMissingFileReturnsNil(t *testing.T) {
	doc, err := Read(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if doc != nil {
		t.Fatalf("expected nil document for missing file, got %+v", doc)
	}
}

func TestReadTranslatesLegacyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.json")
	raw := `{
		"spaces": {
			"42": {"id": "ws-1", "name": "Work", "urls": ["https://a"], "named": true, "created": 100, "lastModified": 200}
		},
		"closedSpaces": [
			{"id": "ws-2", "name": "Old", "urls": ["https://b", "https://c"], "named": false, "created": 50, "lastModified": 60}
		]
	}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	doc, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(doc.Active) != 1 || doc.Active[0].PermanentID != "ws-1" {
		t.Fatalf("expected one active legacy workspace ws-1, got %+v", doc.Active)
	}
	if !doc.Active[0].IsActive || doc.Active[0].WindowID != 42 {
		t.Fatalf("expected active workspace bound to window 42, got %+v", doc.Active[0])
	}
	if len(doc.Closed) != 1 || len(doc.Closed[0].URLs) != 2 {
		t.Fatalf("expected one closed legacy workspace with 2 urls, got %+v", doc.Closed)
	}
}
