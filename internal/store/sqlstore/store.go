package sqlstore

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/querysql"
	"github.com/svd27/ki/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on relations(target_type, target)
const currentSchemaVersion = 1

// Store persists entities as JSON documents in SQLite.
//
// Reads run concurrently with each other. Writes are serialized, run in a
// transaction and publish their event after commit, so events arrive in
// commit order.
type Store struct {
	name      string
	db        *sql.DB
	compiler  *querysql.SQLCompiler
	publisher store.Publisher
	logger    *slog.Logger
	types     *typeSet

	// writeMu serializes mutations with their event publication.
	writeMu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithPublisher sets the publisher that receives mutation events.
func WithPublisher(p store.Publisher) Option {
	return func(s *Store) {
		s.publisher = p
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithRegistry makes the registered types known up front, so queries on a
// parent type find stored subtype rows written before this process started.
func WithRegistry(reg *meta.Registry) Option {
	return func(s *Store) {
		for _, name := range reg.Names() {
			if m, ok := reg.MetaFor(name); ok {
				s.types.add(m)
			}
		}
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(name, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		name:      name,
		db:        db,
		compiler:  querysql.NewSQLCompiler(),
		publisher: store.Discard{},
		logger:    slog.Default(),
		types:     newTypeSet(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var _ store.Store = (*Store)(nil)

// Name returns the store name.
func (s *Store) Name() string { return s.name }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the relation target index to databases created before it
// was part of schema.sql.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_relations_target ON relations(target_type, target)`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// typeSet remembers the entity types seen by the store.
type typeSet struct {
	mu    sync.RWMutex
	metas map[string]*meta.EntityMeta
}

func newTypeSet() *typeSet {
	return &typeSet{metas: make(map[string]*meta.EntityMeta)}
}

func (t *typeSet) add(m *meta.EntityMeta) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for cur := m; cur != nil; cur = cur.Parent() {
		if _, ok := t.metas[cur.Name()]; !ok {
			t.metas[cur.Name()] = cur
		}
	}
}

func (t *typeSet) lookup(name string) (*meta.EntityMeta, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.metas[name]
	return m, ok
}

// family returns the sorted names of m and every known subtype.
func (t *typeSet) family(m *meta.EntityMeta) []string {
	t.add(m)
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for name, known := range t.metas {
		if known.IsA(m) {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}
