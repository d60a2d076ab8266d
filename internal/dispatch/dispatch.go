// Package dispatch implements the Command Dispatcher (spec §4.7): it decodes
// observer wire requests, invokes the State Manager or Import/Export Engine,
// and translates any error into the typed vocabulary internal/coreerr
// defines, so the RPC layer never has to know statemgr's internals.
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/AlekSi/pointer"

	"github.com/untoldecay/workspace-state-core/internal/coreerr"
	"github.com/untoldecay/workspace-state-core/internal/host"
	"github.com/untoldecay/workspace-state-core/internal/storage"
	"github.com/untoldecay/workspace-state-core/internal/types"
)

// Operation names for the observer wire vocabulary (spec §6).
const (
	OpGetSpaces    = "get_spaces"
	OpCreateSpace  = "create_space"
	OpUpdateTabs   = "update_tabs"
	OpRenameSpace  = "rename_space"
	OpCloseSpace   = "close_space"
	OpRestoreSpace = "restore_space"
	OpDeleteClosed = "delete_closed"
	OpImport       = "import_document"
	OpExport       = "export_document"
	OpFocusSpace   = "focus_space"
	OpReload       = "reload"
)

// manager is the subset of statemgr.Manager the Dispatcher depends on.
type manager interface {
	GetState() types.Snapshot
	CreateWorkspace(ctx context.Context, windowID int, seedURLs []string) (*types.Workspace, error)
	UpdateWorkspaceTabs(ctx context.Context, windowID int, urls []string) error
	RenameWorkspace(ctx context.Context, permanentID, name string) error
	CloseWorkspace(ctx context.Context, windowID int) error
	RestoreWorkspace(ctx context.Context, permanentID string) (int, error)
	DeleteClosed(ctx context.Context, permanentID string) error
	Load(ctx context.Context, legacy *storage.LegacyDocument) error
}

// importer is the subset of importexport.Engine the Dispatcher depends on.
type importer interface {
	Import(ctx context.Context, raw []byte, opts types.ImportOptions) (*types.ImportCompleted, error)
	Export(exportedBy, description string) (*types.ExportDocument, error)
}

// Dispatcher routes decoded wire requests to the State Manager / Import-
// Export Engine and renders their results (or errors) back to wire shape.
// focus_space reaches host.Commands directly: it neither reads nor mutates
// workspace state, so it bypasses the Update Queue entirely (spec §9).
type Dispatcher struct {
	mgr  manager
	ie   importer
	host host.Commands
}

// New constructs a Dispatcher.
func New(mgr manager, ie importer, hostCmds host.Commands) *Dispatcher {
	return &Dispatcher{mgr: mgr, ie: ie, host: hostCmds}
}

// ErrorPayload is the wire shape for a failed operation, carrying the typed
// coreerr.Kind so a thin client can branch on it without string matching.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Dispatch decodes args for operation, invokes the matching handler, and
// returns the JSON-encoded result, or the handler's error unchanged
// (AsErrorPayload converts such an error to its wire shape).
func (d *Dispatcher) Dispatch(ctx context.Context, operation string, args json.RawMessage) (json.RawMessage, error) {
	switch operation {
	case OpGetSpaces:
		return d.getSpaces()
	case OpCreateSpace:
		return d.createSpace(ctx, args)
	case OpUpdateTabs:
		return d.updateTabs(ctx, args)
	case OpRenameSpace:
		return d.renameSpace(ctx, args)
	case OpCloseSpace:
		return d.closeSpace(ctx, args)
	case OpRestoreSpace:
		return d.restoreSpace(ctx, args)
	case OpDeleteClosed:
		return d.deleteClosed(ctx, args)
	case OpImport:
		return d.importDocument(ctx, args)
	case OpExport:
		return d.exportDocument(args)
	case OpFocusSpace:
		return d.focusSpace(ctx, args)
	case OpReload:
		if err := d.mgr.Load(ctx, nil); err != nil {
			return nil, err
		}
		return json.Marshal(d.mgr.GetState())
	default:
		return nil, coreerr.New(coreerr.KindInvalidUpdate, "Dispatch", nil)
	}
}

func (d *Dispatcher) getSpaces() (json.RawMessage, error) {
	return json.Marshal(d.mgr.GetState())
}

type createSpaceArgs struct {
	WindowID int      `json:"window_id"`
	SeedURLs []string `json:"seed_urls,omitempty"`
}

func (d *Dispatcher) createSpace(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args createSpaceArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, coreerr.New(coreerr.KindInvalidUpdate, "create_space", err)
	}
	ws, err := d.mgr.CreateWorkspace(ctx, args.WindowID, args.SeedURLs)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ws)
}

type updateTabsArgs struct {
	WindowID int      `json:"window_id"`
	URLs     []string `json:"urls"`
}

func (d *Dispatcher) updateTabs(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args updateTabsArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, coreerr.New(coreerr.KindInvalidUpdate, "update_tabs", err)
	}
	if err := d.mgr.UpdateWorkspaceTabs(ctx, args.WindowID, args.URLs); err != nil {
		return nil, err
	}
	return json.Marshal(struct{}{})
}

type renameSpaceArgs struct {
	PermanentID string `json:"permanent_id"`
	Name        string `json:"name"`
}

func (d *Dispatcher) renameSpace(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args renameSpaceArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, coreerr.New(coreerr.KindInvalidUpdate, "rename_space", err)
	}
	if err := d.mgr.RenameWorkspace(ctx, args.PermanentID, args.Name); err != nil {
		return nil, err
	}
	return json.Marshal(struct{}{})
}

type closeSpaceArgs struct {
	WindowID int `json:"window_id"`
}

func (d *Dispatcher) closeSpace(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args closeSpaceArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, coreerr.New(coreerr.KindInvalidUpdate, "close_space", err)
	}
	if err := d.mgr.CloseWorkspace(ctx, args.WindowID); err != nil {
		return nil, err
	}
	return json.Marshal(struct{}{})
}

type restoreSpaceArgs struct {
	PermanentID string `json:"permanent_id"`
}

type restoreSpaceResult struct {
	WindowID int `json:"window_id"`
}

func (d *Dispatcher) restoreSpace(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args restoreSpaceArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, coreerr.New(coreerr.KindInvalidUpdate, "restore_space", err)
	}
	windowID, err := d.mgr.RestoreWorkspace(ctx, args.PermanentID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(restoreSpaceResult{WindowID: windowID})
}

type deleteClosedArgs struct {
	PermanentID string `json:"permanent_id"`
}

func (d *Dispatcher) deleteClosed(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args deleteClosedArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, coreerr.New(coreerr.KindInvalidUpdate, "delete_closed", err)
	}
	if err := d.mgr.DeleteClosed(ctx, args.PermanentID); err != nil {
		return nil, err
	}
	return json.Marshal(struct{}{})
}

type importDocumentArgs struct {
	Document        json.RawMessage `json:"document"`
	ValidateOnly    *bool           `json:"validate_only,omitempty"`
	ReplaceExisting *bool           `json:"replace_existing,omitempty"`
}

func (d *Dispatcher) importDocument(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args importDocumentArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, coreerr.New(coreerr.KindInvalidUpdate, "import_document", err)
	}
	opts := types.ImportOptions{
		ValidateOnly:    pointer.GetBool(args.ValidateOnly),
		ReplaceExisting: pointer.GetBool(args.ReplaceExisting),
	}
	result, err := d.ie.Import(ctx, args.Document, opts)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

type exportDocumentArgs struct {
	ExportedBy  string `json:"exported_by"`
	Description string `json:"description,omitempty"`
}

func (d *Dispatcher) exportDocument(raw json.RawMessage) (json.RawMessage, error) {
	var args exportDocumentArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, coreerr.New(coreerr.KindInvalidUpdate, "export_document", err)
	}
	doc, err := d.ie.Export(args.ExportedBy, args.Description)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

type focusSpaceArgs struct {
	WindowID int `json:"window_id"`
}

// focusSpace is the one operation the wire vocabulary exposes that does not
// go through the Update Queue: it neither reads nor mutates workspace state,
// it only asks the host to raise a window (spec §9 Open Question
// resolution: restore never auto-focuses).
func (d *Dispatcher) focusSpace(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args focusSpaceArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, coreerr.New(coreerr.KindInvalidUpdate, "focus_space", err)
	}
	if d.host == nil {
		return nil, coreerr.New(coreerr.KindHostRefused, "focus_space", nil)
	}
	if err := d.host.FocusWindow(ctx, args.WindowID); err != nil {
		return nil, coreerr.New(coreerr.KindHostRefused, "focus_space", err)
	}
	return json.Marshal(struct{}{})
}

// AsErrorPayload renders err (expected to be, or wrap, a *coreerr.CoreError)
// into the wire error shape consumed by internal/rpc's Response.Error field.
func AsErrorPayload(err error) ErrorPayload {
	return ErrorPayload{Kind: string(coreerr.KindOf(err)), Message: err.Error()}
}
