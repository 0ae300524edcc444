package partition

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gorm.io/gorm"

	"github.com/jdziat/archive-lifecycle/pkg/core"
)

// Locator enumerates and creates partition tables.
type Locator struct {
	db *gorm.DB

	mu      sync.Mutex
	created map[ID]bool
}

// NewLocator creates a Locator over db.
func NewLocator(db *gorm.DB) *Locator {
	return &Locator{db: db, created: make(map[ID]bool)}
}

// ListExisting returns every partition with at least one physical table, oldest first.
func (l *Locator) ListExisting(ctx context.Context) ([]ID, error) {
	tables, err := l.db.WithContext(ctx).Migrator().GetTables()
	if err != nil {
		return nil, core.NewStorageError("list tables", "", err)
	}

	seen := make(map[ID]bool)
	var ids []ID
	for _, table := range tables {
		id, ok := ParseTable(table)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Before(ids[j]) })
	return ids, nil
}

// Exists reports whether the numeric table of a partition exists.
func (l *Locator) Exists(ctx context.Context, id ID) bool {
	l.mu.Lock()
	ok := l.created[id]
	l.mu.Unlock()
	if ok {
		return true
	}
	return l.db.WithContext(ctx).Migrator().HasTable(id.NumericTable())
}

// Ensure creates both tables of a partition when absent. Safe to call concurrently
// from several processes.
func (l *Locator) Ensure(ctx context.Context, id ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.created[id] {
		return nil
	}

	blobType := "BLOB"
	if l.db.Dialector.Name() == "postgres" {
		blobType = "BYTEA"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(36) PRIMARY KEY,
	archive_id VARCHAR(36) NOT NULL,
	id_site INTEGER NOT NULL,
	period INTEGER NOT NULL,
	date1 VARCHAR(10) NOT NULL,
	date2 VARCHAR(10) NOT NULL,
	period_key VARCHAR(64) NOT NULL,
	segment_hash VARCHAR(32) NOT NULL DEFAULT '',
	name VARCHAR(255) NOT NULL,
	value DOUBLE PRECISION,
	status VARCHAR(16) NOT NULL,
	ts_archived BIGINT NOT NULL
)`, id.NumericTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(36) PRIMARY KEY,
	archive_id VARCHAR(36) NOT NULL,
	id_site INTEGER NOT NULL,
	period INTEGER NOT NULL,
	date1 VARCHAR(10) NOT NULL,
	date2 VARCHAR(10) NOT NULL,
	period_key VARCHAR(64) NOT NULL,
	segment_hash VARCHAR(32) NOT NULL DEFAULT '',
	name VARCHAR(255) NOT NULL,
	subtable_id INTEGER NOT NULL DEFAULT 0,
	value %s,
	status VARCHAR(16) NOT NULL,
	ts_archived BIGINT NOT NULL
)`, id.BlobTable(), blobType),
	}
	for _, table := range id.Tables() {
		stmts = append(stmts,
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_key ON %s (id_site, period_key, segment_hash, name)", table, table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_archive ON %s (archive_id)", table, table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_status ON %s (status, ts_archived)", table, table),
		)
	}

	db := l.db.WithContext(ctx)
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return core.NewStorageError("create partition", id.Suffix(), err)
		}
	}
	l.created[id] = true
	return nil
}
