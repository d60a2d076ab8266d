package statemgr

import (
	"github.com/mitchellh/hashstructure/v2"

	"github.com/untoldecay/workspace-state-core/internal/coreerr"
	"github.com/untoldecay/workspace-state-core/internal/types"
)

// ExportDocument assembles the current state into the opaque document
// format shared with Import (spec §4.6, §6). It is a pure read: no queue
// involvement, since export cannot conflict with in-flight writes — it
// simply reflects whatever the most recently committed snapshot is.
func (m *Manager) ExportDocument(exportedBy, description string) (*types.ExportDocument, error) {
	snap := m.GetState()

	doc := &types.ExportDocument{
		Version:   "1.0.0",
		Timestamp: snap.AsOfMS,
		Spaces: types.ExportSpaces{
			Active: make(map[string]*types.ExportWorkspace, len(snap.Active)),
			Closed: make(map[string]*types.ExportWorkspace, len(snap.Closed)),
		},
		Metadata: types.ExportMetadata{ExportedBy: exportedBy, Description: description},
	}
	for _, w := range snap.Active {
		doc.Spaces.Active[w.PermanentID] = &types.ExportWorkspace{
			PermanentID: w.PermanentID, DisplayName: w.DisplayName, IsNamed: w.IsNamed, URLs: w.URLs,
		}
	}
	for _, w := range snap.Closed {
		doc.Spaces.Closed[w.PermanentID] = &types.ExportWorkspace{
			PermanentID: w.PermanentID, DisplayName: w.DisplayName, IsNamed: w.IsNamed, URLs: w.URLs,
		}
	}

	sum, err := hashstructure.Hash(doc.Spaces, hashstructure.FormatV2, nil)
	if err != nil {
		return nil, coreerr.New(coreerr.KindStorageFailed, "ExportDocument", err)
	}
	doc.Checksum = hashToHex(sum)
	return doc, nil
}

func hashToHex(v uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(buf)
}
