// Package sqlite is the real Persistence Layer backend: a single-file
// SQLite database accessed through the pure-Go ncruces/go-sqlite3 driver
// (no cgo), guarded by a companion gofrs/flock advisory lock so a second
// wscored process started against the same workspace fails fast instead of
// corrupting the file (spec §4.2, §5).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/untoldecay/workspace-state-core/internal/coreerr"
	"github.com/untoldecay/workspace-state-core/internal/identity"
	"github.com/untoldecay/workspace-state-core/internal/storage"
	"github.com/untoldecay/workspace-state-core/internal/types"
)

// Store is the sqlite-backed storage.Store implementation.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
	path string
}

// Open opens (creating if necessary) the database at path and acquires the
// companion advisory lock at path+".lock". It fails immediately if another
// process already holds the lock (spec §5 "single daemon instance per
// workspace").
func Open(path string) (*Store, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "acquire storage lock")
	}
	if !locked {
		return nil, errors.New("workspace storage is locked by another process")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		_ = lock.Unlock()
		return nil, errors.Wrap(err, "open sqlite database")
	}
	// Force serialized writers: the pure-Go driver has no internal
	// connection pool smart enough to avoid SQLITE_BUSY under concurrent
	// writers, so a single connection plus the apply path's own
	// single-writer discipline (spec §5) is simpler than busy-retry logic.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		_ = lock.Unlock()
		return nil, errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO meta(key, value) VALUES (?, ?)`, metaSchemaVersion, currentSchemaVersion); err != nil {
		db.Close()
		_ = lock.Unlock()
		return nil, errors.Wrap(err, "seed schema_version")
	}

	return &Store{db: db, lock: lock, path: path}, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	err := s.db.Close()
	if uerr := s.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

func (s *Store) LoadAll(ctx context.Context) (*storage.LoadResult, error) {
	res := &storage.LoadResult{SchemaVersion: 1}

	activeRows, err := s.db.QueryContext(ctx, `SELECT permanent_id, display_name, is_named, urls, window_id, created_at, last_used, last_modified, version, source_window_id FROM active_spaces`)
	if err != nil {
		return nil, errors.Wrap(err, "load active_spaces")
	}
	for activeRows.Next() {
		w := &types.Workspace{IsActive: true}
		var urlsJSON string
		if err := activeRows.Scan(&w.PermanentID, &w.DisplayName, &w.IsNamed, &urlsJSON, &w.WindowID, &w.CreatedAt, &w.LastUsed, &w.LastModified, &w.Version, &w.SourceWindowID); err != nil {
			activeRows.Close()
			return nil, errors.Wrap(err, "scan active_spaces")
		}
		if err := json.Unmarshal([]byte(urlsJSON), &w.URLs); err != nil {
			activeRows.Close()
			return nil, errors.Wrapf(err, "decode urls for %s", w.PermanentID)
		}
		res.Active = append(res.Active, w)
	}
	activeRows.Close()
	if err := activeRows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate active_spaces")
	}

	closedRows, err := s.db.QueryContext(ctx, `SELECT permanent_id, display_name, is_named, created_at, last_used, last_modified, version, source_window_id FROM closed_spaces`)
	if err != nil {
		return nil, errors.Wrap(err, "load closed_spaces")
	}
	for closedRows.Next() {
		w := &types.Workspace{IsActive: false}
		if err := closedRows.Scan(&w.PermanentID, &w.DisplayName, &w.IsNamed, &w.CreatedAt, &w.LastUsed, &w.LastModified, &w.Version, &w.SourceWindowID); err != nil {
			closedRows.Close()
			return nil, errors.Wrap(err, "scan closed_spaces")
		}
		res.Closed = append(res.Closed, w)
	}
	closedRows.Close()
	if err := closedRows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate closed_spaces")
	}

	tabs, err := s.loadTabs(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, w := range res.Closed {
		w.URLs = urlsFromTabs(tabs[w.PermanentID])
	}

	mappingRows, err := s.db.QueryContext(ctx, `SELECT key, value FROM meta WHERE key LIKE ?`, metaMappingPrefix+"%")
	if err != nil {
		return nil, errors.Wrap(err, "load mappings")
	}
	for mappingRows.Next() {
		var key, value string
		if err := mappingRows.Scan(&key, &value); err != nil {
			mappingRows.Close()
			return nil, errors.Wrap(err, "scan mapping")
		}
		var windowID int
		if _, err := fmt.Sscanf(key, metaMappingPrefix+"%d", &windowID); err != nil {
			mappingRows.Close()
			return nil, errors.Wrapf(err, "parse mapping key %q", key)
		}
		res.Mappings = append(res.Mappings, identity.Mapping{WindowID: windowID, PermanentID: value})
	}
	mappingRows.Close()
	if err := mappingRows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate mappings")
	}

	var doneVal string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaBootstrapDone).Scan(&doneVal)
	if err != nil && err != sql.ErrNoRows {
		return nil, errors.Wrap(err, "read bootstrap_done")
	}
	res.BootstrapDone = doneVal == "true"

	return res, nil
}

// loadTabs loads tab rows, optionally restricted to permanentIDs (nil means
// all), grouped by permanent_id and sorted by Index ascending.
func (s *Store) loadTabs(ctx context.Context, permanentIDs []string) (map[string][]*types.TabRecord, error) {
	query := `SELECT tab_id, permanent_id, kind, url, idx, created_at FROM tabs_by_space`
	var rows *sql.Rows
	var err error
	if permanentIDs == nil {
		rows, err = s.db.QueryContext(ctx, query)
	} else {
		placeholders := make([]any, len(permanentIDs))
		inClause := ""
		for i, id := range permanentIDs {
			if i > 0 {
				inClause += ","
			}
			inClause += "?"
			placeholders[i] = id
		}
		rows, err = s.db.QueryContext(ctx, query+` WHERE permanent_id IN (`+inClause+`)`, placeholders...)
	}
	if err != nil {
		return nil, errors.Wrap(err, "load tabs_by_space")
	}
	defer rows.Close()

	out := make(map[string][]*types.TabRecord)
	for rows.Next() {
		t := &types.TabRecord{}
		if err := rows.Scan(&t.TabID, &t.PermanentID, &t.Kind, &t.URL, &t.Index, &t.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan tabs_by_space")
		}
		out[t.PermanentID] = append(out[t.PermanentID], t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate tabs_by_space")
	}
	for _, list := range out {
		sort.Slice(list, func(i, j int) bool { return list[i].Index < list[j].Index })
	}
	return out, nil
}

func urlsFromTabs(tabs []*types.TabRecord) []string {
	urls := make([]string, len(tabs))
	for i, t := range tabs {
		urls[i] = t.URL
	}
	return urls
}

func (s *Store) SaveBatch(ctx context.Context, batch storage.Batch) error {
	if batch.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return coreerr.New(coreerr.KindStorageFailed, "SaveBatch", errors.Wrap(err, "begin transaction"))
	}
	defer tx.Rollback()

	for _, w := range batch.UpsertActive {
		if err := upsertActive(ctx, tx, w); err != nil {
			return coreerr.New(coreerr.KindStorageFailed, "SaveBatch", err)
		}
	}
	for _, w := range batch.UpsertClosed {
		if err := upsertClosed(ctx, tx, w); err != nil {
			return coreerr.New(coreerr.KindStorageFailed, "SaveBatch", err)
		}
	}
	for _, id := range batch.DeleteActive {
		if _, err := tx.ExecContext(ctx, `DELETE FROM active_spaces WHERE permanent_id = ?`, id); err != nil {
			return coreerr.New(coreerr.KindStorageFailed, "SaveBatch", errors.Wrap(err, "delete active"))
		}
	}
	for _, id := range batch.DeleteClosed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM closed_spaces WHERE permanent_id = ?`, id); err != nil {
			return coreerr.New(coreerr.KindStorageFailed, "SaveBatch", errors.Wrap(err, "delete closed"))
		}
	}
	for id, tabs := range batch.ReplaceTabs {
		if err := replaceTabs(ctx, tx, id, tabs); err != nil {
			return coreerr.New(coreerr.KindStorageFailed, "SaveBatch", err)
		}
	}
	for _, id := range batch.DeleteTabs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tabs_by_space WHERE permanent_id = ?`, id); err != nil {
			return coreerr.New(coreerr.KindStorageFailed, "SaveBatch", errors.Wrap(err, "delete tabs"))
		}
	}
	for _, m := range batch.BindMappings {
		key := fmt.Sprintf("%s%d", metaMappingPrefix, m.WindowID)
		if _, err := tx.ExecContext(ctx, `INSERT INTO meta(key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, m.PermanentID); err != nil {
			return coreerr.New(coreerr.KindStorageFailed, "SaveBatch", errors.Wrap(err, "bind mapping"))
		}
	}
	for _, windowID := range batch.UnbindWindowIDs {
		key := fmt.Sprintf("%s%d", metaMappingPrefix, windowID)
		if _, err := tx.ExecContext(ctx, `DELETE FROM meta WHERE key = ?`, key); err != nil {
			return coreerr.New(coreerr.KindStorageFailed, "SaveBatch", errors.Wrap(err, "unbind mapping"))
		}
	}
	for k, v := range batch.SetMeta {
		if _, err := tx.ExecContext(ctx, `INSERT INTO meta(key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
			return coreerr.New(coreerr.KindStorageFailed, "SaveBatch", errors.Wrap(err, "set meta"))
		}
	}

	if err := tx.Commit(); err != nil {
		return coreerr.New(coreerr.KindStorageFailed, "SaveBatch", errors.Wrap(err, "commit"))
	}
	return nil
}

func upsertActive(ctx context.Context, tx *sql.Tx, w *types.Workspace) error {
	urlsJSON, err := json.Marshal(w.URLs)
	if err != nil {
		return errors.Wrapf(err, "encode urls for %s", w.PermanentID)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO active_spaces(permanent_id, display_name, is_named, urls, window_id, created_at, last_used, last_modified, version, source_window_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(permanent_id) DO UPDATE SET
			display_name = excluded.display_name,
			is_named = excluded.is_named,
			urls = excluded.urls,
			window_id = excluded.window_id,
			last_used = excluded.last_used,
			last_modified = excluded.last_modified,
			version = excluded.version,
			source_window_id = excluded.source_window_id`,
		w.PermanentID, w.DisplayName, w.IsNamed, string(urlsJSON), w.WindowID, w.CreatedAt, w.LastUsed, w.LastModified, w.Version, w.SourceWindowID)
	if err != nil {
		return errors.Wrapf(err, "upsert active %s", w.PermanentID)
	}
	return nil
}

func upsertClosed(ctx context.Context, tx *sql.Tx, w *types.Workspace) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO closed_spaces(permanent_id, display_name, is_named, created_at, last_used, last_modified, version, source_window_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(permanent_id) DO UPDATE SET
			display_name = excluded.display_name,
			is_named = excluded.is_named,
			last_used = excluded.last_used,
			last_modified = excluded.last_modified,
			version = excluded.version,
			source_window_id = excluded.source_window_id`,
		w.PermanentID, w.DisplayName, w.IsNamed, w.CreatedAt, w.LastUsed, w.LastModified, w.Version, w.SourceWindowID)
	if err != nil {
		return errors.Wrapf(err, "upsert closed %s", w.PermanentID)
	}
	return nil
}

func replaceTabs(ctx context.Context, tx *sql.Tx, permanentID string, tabs []*types.TabRecord) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM tabs_by_space WHERE permanent_id = ?`, permanentID); err != nil {
		return errors.Wrapf(err, "clear tabs for %s", permanentID)
	}
	for _, t := range tabs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO tabs_by_space(tab_id, permanent_id, kind, url, idx, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			t.TabID, t.PermanentID, t.Kind, t.URL, t.Index, t.CreatedAt); err != nil {
			return errors.Wrapf(err, "insert tab for %s", permanentID)
		}
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return coreerr.New(coreerr.KindStorageFailed, "Clear", errors.Wrap(err, "begin transaction"))
	}
	defer tx.Rollback()
	for _, table := range []string{"active_spaces", "closed_spaces", "tabs_by_space"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return coreerr.New(coreerr.KindStorageFailed, "Clear", errors.Wrapf(err, "truncate %s", table))
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM meta WHERE key LIKE ?`, metaMappingPrefix+"%"); err != nil {
		return coreerr.New(coreerr.KindStorageFailed, "Clear", errors.Wrap(err, "truncate mappings"))
	}
	if err := tx.Commit(); err != nil {
		return coreerr.New(coreerr.KindStorageFailed, "Clear", errors.Wrap(err, "commit"))
	}
	return nil
}

func (s *Store) Export(ctx context.Context) (*storage.ExportData, error) {
	res, err := s.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	tabs, err := s.loadTabs(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &storage.ExportData{
		Active:        res.Active,
		Closed:        res.Closed,
		Tabs:          tabs,
		SchemaVersion: res.SchemaVersion,
	}, nil
}

func (s *Store) Import(ctx context.Context, data storage.ImportData) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return coreerr.New(coreerr.KindStorageFailed, "Import", errors.Wrap(err, "begin transaction"))
	}
	defer tx.Rollback()

	for _, table := range []string{"active_spaces", "closed_spaces", "tabs_by_space"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return coreerr.New(coreerr.KindStorageFailed, "Import", errors.Wrapf(err, "truncate %s", table))
		}
	}
	for _, w := range data.Active {
		if err := upsertActive(ctx, tx, w); err != nil {
			return coreerr.New(coreerr.KindStorageFailed, "Import", err)
		}
	}
	for _, w := range data.Closed {
		if err := upsertClosed(ctx, tx, w); err != nil {
			return coreerr.New(coreerr.KindStorageFailed, "Import", err)
		}
	}
	for id, tabs := range data.Tabs {
		if err := replaceTabs(ctx, tx, id, tabs); err != nil {
			return coreerr.New(coreerr.KindStorageFailed, "Import", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return coreerr.New(coreerr.KindStorageFailed, "Import", errors.Wrap(err, "commit"))
	}
	return nil
}

func (s *Store) Bootstrap(ctx context.Context, legacy *storage.LegacyDocument) (bool, error) {
	var doneVal string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaBootstrapDone).Scan(&doneVal)
	if err != nil && err != sql.ErrNoRows {
		return false, coreerr.New(coreerr.KindStorageFailed, "Bootstrap", errors.Wrap(err, "read bootstrap_done"))
	}
	if doneVal == "true" {
		return false, nil
	}
	if legacy == nil || (len(legacy.Active) == 0 && len(legacy.Closed) == 0) {
		_, err := s.db.ExecContext(ctx, `INSERT INTO meta(key, value) VALUES (?, 'true') ON CONFLICT(key) DO UPDATE SET value = 'true'`, metaBootstrapDone)
		if err != nil {
			return false, coreerr.New(coreerr.KindStorageFailed, "Bootstrap", errors.Wrap(err, "mark bootstrap_done"))
		}
		return false, nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT (SELECT COUNT(*) FROM active_spaces) + (SELECT COUNT(*) FROM closed_spaces)`).Scan(&count); err != nil {
		return false, coreerr.New(coreerr.KindStorageFailed, "Bootstrap", errors.Wrap(err, "count existing records"))
	}
	if count > 0 {
		_, err := s.db.ExecContext(ctx, `INSERT INTO meta(key, value) VALUES (?, 'true') ON CONFLICT(key) DO UPDATE SET value = 'true'`, metaBootstrapDone)
		if err != nil {
			return false, coreerr.New(coreerr.KindStorageFailed, "Bootstrap", errors.Wrap(err, "mark bootstrap_done"))
		}
		return false, nil
	}

	tabs := make(map[string][]*types.TabRecord)
	for _, w := range legacy.Closed {
		var list []*types.TabRecord
		for i, u := range w.URLs {
			list = append(list, &types.TabRecord{
				TabID:       fmt.Sprintf("%s-%d", w.PermanentID, i),
				PermanentID: w.PermanentID,
				Kind:        types.KindClosed,
				URL:         u,
				Index:       i,
				CreatedAt:   w.CreatedAt,
			})
		}
		tabs[w.PermanentID] = list
	}

	if err := s.Import(ctx, storage.ImportData{Active: legacy.Active, Closed: legacy.Closed, Tabs: tabs}); err != nil {
		return false, err
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO meta(key, value) VALUES (?, 'true') ON CONFLICT(key) DO UPDATE SET value = 'true'`, metaBootstrapDone); err != nil {
		return false, coreerr.New(coreerr.KindStorageFailed, "Bootstrap", errors.Wrap(err, "mark bootstrap_done"))
	}
	return true, nil
}
