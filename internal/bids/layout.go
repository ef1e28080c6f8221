package bids

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// ignoredDirs lists the top level directories a BIDS index skips.
var ignoredDirs = map[string]bool{
	"code":        true,
	"derivatives": true,
	"models":      true,
	"sourcedata":  true,
	"stimuli":     true,
}

// Layout is a queryable SQLite index over the files of a BIDS dataset.
type Layout struct {
	root string
	db   *sql.DB
	log  *zap.Logger
}

// NewLayout indexes the dataset under root. With an empty dbPath the index
// lives in memory for the lifetime of the layout; otherwise it is stored
// at dbPath and reused by later runs against the same root.
func NewLayout(root, dbPath string, log *zap.Logger) (*Layout, error) {
	dsn := ":memory:"
	if dbPath != "" {
		dsn = dbPath
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open BIDS index: %w", err)
	}
	// A single connection keeps the in-memory database alive and
	// serializes writers on the file-backed one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	layout := &Layout{root: root, db: db, log: log}
	if err := layout.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := layout.index(); err != nil {
		db.Close()
		return nil, err
	}
	return layout, nil
}

// Close releases the index database.
func (l *Layout) Close() error {
	return l.db.Close()
}

// Root returns the dataset directory the layout indexes.
func (l *Layout) Root() string {
	return l.root
}

// Description reads the dataset_description.json of the indexed dataset.
func (l *Layout) Description() (*Description, error) {
	return ReadDescription(l.root)
}

func (l *Layout) initialize() error {
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := l.db.Exec(pragma); err != nil {
			return fmt.Errorf("configure BIDS index: %w", err)
		}
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS files (
			path TEXT PRIMARY KEY,
			suffix TEXT NOT NULL DEFAULT '',
			extension TEXT NOT NULL DEFAULT '',
			datatype TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS entities (
			path TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			value_num INTEGER,
			PRIMARY KEY (path, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_key_value ON entities(key, value)`,
		`CREATE TABLE IF NOT EXISTS layout_info (
			root TEXT NOT NULL,
			indexed_at TEXT NOT NULL
		)`,
	}
	for _, query := range queries {
		if _, err := l.db.Exec(query); err != nil {
			return fmt.Errorf("create BIDS index schema: %w", err)
		}
	}
	return nil
}

// index scans the dataset tree, or reuses a stored index built from the
// same root.
func (l *Layout) index() error {
	var root string
	err := l.db.QueryRow(`SELECT root FROM layout_info LIMIT 1`).Scan(&root)
	switch {
	case err == nil && root == l.root:
		l.log.Debug("Reusing stored BIDS index.", zap.String("root", root))
		return nil
	case err == nil:
		l.log.Warn("Stored BIDS index was built from a different root, rebuilding.",
			zap.String("stored", root), zap.String("root", l.root))
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("read BIDS index metadata: %w", err)
	}

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("index BIDS dataset: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"files", "entities", "layout_info"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("reset BIDS index: %w", err)
		}
	}

	insertFile, err := tx.Prepare(`INSERT OR REPLACE INTO files (path, suffix, extension, datatype) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insertFile.Close()
	insertEntity, err := tx.Prepare(`INSERT OR REPLACE INTO entities (path, key, value, value_num) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insertEntity.Close()

	count := 0
	walk := func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := entry.Name()
		if entry.IsDir() {
			if path == l.root {
				return nil
			}
			if strings.HasPrefix(name, ".") {
				return fs.SkipDir
			}
			if ignoredDirs[name] && filepath.Dir(path) == l.root {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}

		entities, suffix, extension, ok := ParseName(name)
		if !ok {
			l.log.Debug("Skipping file without a BIDS name.", zap.String("path", path))
			return nil
		}
		if _, err := insertFile.Exec(path, suffix, extension, l.datatype(path)); err != nil {
			return fmt.Errorf("index %s: %w", path, err)
		}
		for key, value := range entities {
			var valueNum sql.NullInt64
			if n, convErr := strconv.Atoi(value); convErr == nil {
				valueNum = sql.NullInt64{Int64: int64(n), Valid: true}
			}
			if _, err := insertEntity.Exec(path, key, value, valueNum); err != nil {
				return fmt.Errorf("index %s: %w", path, err)
			}
		}
		count++
		return nil
	}
	if err := filepath.WalkDir(l.root, walk); err != nil {
		return fmt.Errorf("scan BIDS dataset: %w", err)
	}

	if _, err := tx.Exec(`INSERT INTO layout_info (root, indexed_at) VALUES (?, ?)`,
		l.root, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("record BIDS index metadata: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit BIDS index: %w", err)
	}
	l.log.Debug("Indexed BIDS dataset.", zap.String("root", l.root), zap.Int("files", count))
	return nil
}

// datatype derives the datatype from the parent directory, which in BIDS
// names the modality, such as func or anat.
func (l *Layout) datatype(path string) string {
	dir := filepath.Dir(path)
	if dir == l.root {
		return ""
	}
	parent := filepath.Base(dir)
	if strings.HasPrefix(parent, "sub-") || strings.HasPrefix(parent, "ses-") {
		return ""
	}
	return parent
}

// Query returns the sorted paths matching every constraint in f. Several
// values for one key combine as alternatives. Run values also match
// numerically, so run-01 answers a query for run 1.
func (l *Layout) Query(f Filter) ([]string, error) {
	var conditions []string
	var args []any

	column := func(name string, values []string) {
		if len(values) == 0 {
			return
		}
		conditions = append(conditions, fmt.Sprintf("%s IN (%s)", name, placeholders(len(values))))
		for _, v := range values {
			args = append(args, v)
		}
	}
	column("suffix", f.Suffixes)
	column("datatype", f.Datatypes)
	if len(f.Extensions) > 0 {
		normalized := make([]string, len(f.Extensions))
		for i, ext := range f.Extensions {
			normalized[i] = NormalizeExtension(ext)
		}
		column("extension", normalized)
	}

	entity := func(key string, values []string) {
		if len(values) == 0 {
			return
		}
		clause := fmt.Sprintf("e.value IN (%s)", placeholders(len(values)))
		entityArgs := make([]any, 0, 2*len(values)+1)
		entityArgs = append(entityArgs, key)
		for _, v := range values {
			entityArgs = append(entityArgs, v)
		}
		if key == "run" {
			var numbers []any
			for _, v := range values {
				if n, err := strconv.Atoi(v); err == nil {
					numbers = append(numbers, n)
				}
			}
			if len(numbers) > 0 {
				clause = fmt.Sprintf("%s OR e.value_num IN (%s)", clause, placeholders(len(numbers)))
				entityArgs = append(entityArgs, numbers...)
			}
		}
		conditions = append(conditions,
			fmt.Sprintf("EXISTS (SELECT 1 FROM entities e WHERE e.path = files.path AND e.key = ? AND (%s))", clause))
		args = append(args, entityArgs...)
	}
	entity("sub", f.Subjects)
	entity("ses", f.Sessions)
	entity("task", f.Tasks)
	entity("run", f.Runs)
	entity("space", f.Spaces)
	for _, key := range f.extraKeys() {
		entity(EntityKey(key), f.Extra[key])
	}

	query := `SELECT path FROM files WHERE 1=1`
	for _, condition := range conditions {
		query += " AND " + condition
	}
	query += " ORDER BY path"

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query BIDS index: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("scan BIDS index row: %w", err)
		}
		paths = append(paths, path)
	}
	return paths, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
