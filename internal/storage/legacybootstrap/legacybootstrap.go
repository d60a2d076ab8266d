// Package legacybootstrap reads the prior extension's flat JSON storage
// document and translates it into a storage.LegacyDocument for the
// Persistence Layer's one-shot Bootstrap (spec §4.2). It is exercised
// exactly once per installation, gated by meta.bootstrap_done, so a plain
// encoding/json decode (rather than tidwall/gjson's streaming validation
// pass used for ongoing Import) is the right tool: there is no untrusted,
// frequently-repeated input here to validate defensively against.
package legacybootstrap

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/untoldecay/workspace-state-core/internal/storage"
	"github.com/untoldecay/workspace-state-core/internal/types"
)

// document mirrors the legacy extension's chrome.storage.local shape: a
// single top-level object keyed by windowId (as a string, since it was a
// JS object key) for still-open spaces, plus a "closedSpaces" array.
type document struct {
	Spaces       map[string]legacySpace `json:"spaces"`
	ClosedSpaces []legacySpace          `json:"closedSpaces"`
}

type legacySpace struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Urls      []string `json:"urls"`
	Named     bool     `json:"named"`
	Created   int64    `json:"created"`
	LastModified int64 `json:"lastModified"`
}

// Read loads and translates the legacy document at path. A missing file is
// not an error: it means there is nothing to migrate, so Read returns a nil
// *storage.LegacyDocument.
func Read(path string) (*storage.LegacyDocument, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read legacy document: %w", err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode legacy document: %w", err)
	}

	out := &storage.LegacyDocument{}
	for windowIDStr, sp := range doc.Spaces {
		out.Active = append(out.Active, translate(sp, windowIDStr))
	}
	for _, sp := range doc.ClosedSpaces {
		w := translate(sp, "")
		w.IsActive = false
		out.Closed = append(out.Closed, w)
	}
	return out, nil
}

func translate(sp legacySpace, windowIDStr string) *types.Workspace {
	now := types.NowMillis()
	w := &types.Workspace{
		PermanentID:  sp.ID,
		DisplayName:  sp.Name,
		IsNamed:      sp.Named,
		URLs:         append([]string(nil), sp.Urls...),
		IsActive:     windowIDStr != "",
		CreatedAt:    fallback(sp.Created, now),
		LastUsed:     fallback(sp.LastModified, now),
		LastModified: fallback(sp.LastModified, now),
		Version:      1,
	}
	if windowIDStr != "" {
		var id int
		fmt.Sscanf(windowIDStr, "%d", &id)
		w.WindowID = id
	}
	if w.PermanentID == "" {
		w.PermanentID = fmt.Sprintf("legacy-%s-%d", windowIDStr, now)
	}
	return w
}

func fallback(v, def int64) int64 {
	if v == 0 {
		return def
	}
	return v
}
