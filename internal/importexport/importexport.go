// Package importexport implements the Import/Export Engine (spec §4.6):
// one-pass, every-violation document validation ahead of any state change,
// then application through the State Manager's own batch path so
// persistence, broadcast, and invariants are shared with live edits.
package importexport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"

	"github.com/tidwall/gjson"

	"github.com/untoldecay/workspace-state-core/internal/coreerr"
	"github.com/untoldecay/workspace-state-core/internal/types"
)

var versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// manager is the subset of statemgr.Manager the Engine depends on, kept
// narrow so this package doesn't import statemgr back (statemgr already
// depends on types, and the Engine only needs to hand it a document).
type manager interface {
	ImportDocument(ctx context.Context, doc *types.ExportDocument, opts types.ImportOptions) (*types.ImportCompleted, error)
	ExportDocument(exportedBy, description string) (*types.ExportDocument, error)
}

// Engine is the Import/Export Engine.
type Engine struct {
	mgr manager
}

// New constructs an Engine over mgr.
func New(mgr manager) *Engine {
	return &Engine{mgr: mgr}
}

// Validate walks raw once with gjson and returns every violation found.
// docErrors are structural problems (missing/malformed top-level fields)
// that make the whole document unusable; recordErrors are per-workspace
// problems that, under merge, only exclude the offending workspace (spec
// §8 "Import of a document with one invalid URL under merge skips that
// workspace and reports it; other workspaces apply").
func Validate(raw []byte) (docErrors, recordErrors []types.ImportFieldError) {
	if !gjson.ValidBytes(raw) {
		return []types.ImportFieldError{{Path: "$", Message: "not valid JSON"}}, nil
	}
	root := gjson.ParseBytes(raw)

	if !root.Get("version").Exists() || !versionPattern.MatchString(root.Get("version").String()) {
		docErrors = append(docErrors, types.ImportFieldError{Path: "version", Message: "must match N.N.N"})
	}
	if !root.Get("timestamp").Exists() {
		docErrors = append(docErrors, types.ImportFieldError{Path: "timestamp", Message: "required"})
	}
	if !root.Get("spaces").Exists() {
		docErrors = append(docErrors, types.ImportFieldError{Path: "spaces", Message: "required"})
	}
	exportedBy := root.Get("metadata.exported_by")
	if !exportedBy.Exists() || exportedBy.String() == "" {
		docErrors = append(docErrors, types.ImportFieldError{Path: "metadata.exported_by", Message: "must be non-empty"})
	}
	if desc := root.Get("metadata.description"); desc.Exists() && desc.Type != gjson.String {
		docErrors = append(docErrors, types.ImportFieldError{Path: "metadata.description", Message: "must be text"})
	}

	if len(docErrors) > 0 {
		return docErrors, nil
	}

	validateWorkspaces(root.Get("spaces.active"), "spaces.active", &recordErrors)
	validateWorkspaces(root.Get("spaces.closed"), "spaces.closed", &recordErrors)

	return docErrors, recordErrors
}

func validateWorkspaces(set gjson.Result, prefix string, out *[]types.ImportFieldError) {
	set.ForEach(func(key, value gjson.Result) bool {
		path := fmt.Sprintf("%s.%s", prefix, key.String())
		if pid := value.Get("permanent_id"); !pid.Exists() || pid.String() == "" {
			*out = append(*out, types.ImportFieldError{Path: path + ".permanent_id", Message: "must be non-empty"})
		}
		if name := value.Get("display_name"); !name.Exists() || name.String() == "" {
			*out = append(*out, types.ImportFieldError{Path: path + ".display_name", Message: "must be non-empty"})
		}
		urls := value.Get("urls")
		if !urls.IsArray() {
			*out = append(*out, types.ImportFieldError{Path: path + ".urls", Message: "must be an array"})
			return true
		}
		urls.ForEach(func(idx, u gjson.Result) bool {
			if !isValidURL(u.String()) {
				*out = append(*out, types.ImportFieldError{Path: fmt.Sprintf("%s.urls[%s]", path, idx.String()), Message: "not a syntactically valid URL"})
			}
			return true
		})
		return true
	})
}

func isValidURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// Import validates raw and, unless opts.ValidateOnly, applies it through
// the State Manager. Per-record errors under merge exclude only the
// affected workspace; structural errors reject the document outright.
func (e *Engine) Import(ctx context.Context, raw []byte, opts types.ImportOptions) (*types.ImportCompleted, error) {
	docErrors, recordErrors := Validate(raw)
	if len(docErrors) > 0 {
		return nil, coreerr.New(coreerr.KindImportFailed, "Import", fmt.Errorf("%d document-level error(s): %s", len(docErrors), docErrors[0].Message))
	}

	if opts.ValidateOnly {
		return &types.ImportCompleted{Errors: recordErrors}, nil
	}

	var doc types.ExportDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, coreerr.New(coreerr.KindInvalidDocument, "Import", err)
	}

	skipped := invalidPermanentIDs(recordErrors)
	for id := range skipped {
		delete(doc.Spaces.Active, id)
		delete(doc.Spaces.Closed, id)
	}

	result, err := e.mgr.ImportDocument(ctx, &doc, opts)
	if err != nil {
		return nil, err
	}
	result.Errors = append(result.Errors, recordErrors...)
	return result, nil
}

// invalidPermanentIDs extracts the spaces.{active,closed}.<permanent_id>
// keys named by recordErrors' paths, so Import can exclude exactly the
// workspaces that failed validation.
func invalidPermanentIDs(recordErrors []types.ImportFieldError) map[string]struct{} {
	out := make(map[string]struct{})
	re := regexp.MustCompile(`^spaces\.(active|closed)\.([^.]+)`)
	for _, e := range recordErrors {
		if m := re.FindStringSubmatch(e.Path); m != nil {
			out[m[2]] = struct{}{}
		}
	}
	return out
}

// Export produces the current state as a validated document via the State
// Manager, ready to hand to a caller or write to disk.
func (e *Engine) Export(exportedBy, description string) (*types.ExportDocument, error) {
	return e.mgr.ExportDocument(exportedBy, description)
}
