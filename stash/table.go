package stash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/baldanca/superserial/batcher"
	"github.com/baldanca/superserial/location"
	"github.com/baldanca/superserial/metrics"
)

const backendTable = "table"

// OpenDB connects to a sqlite file or a postgres server.
func OpenDB(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case location.DriverSQLite:
		if dir := filepath.Dir(dsn); dir != "." && dsn != ":memory:" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		// WAL and a busy timeout let parallel workers share one database file.
		if !strings.Contains(dsn, "?") && dsn != ":memory:" {
			dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		}
		dialector = sqlite.Open(dsn)
	case location.DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: table driver %q", location.ErrUnsupportedScheme, driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	return db, nil
}

// rowInserter commits one flush. batch is the sub-batch size of the
// underlying insert statement.
type rowInserter interface {
	insert(ctx context.Context, rows []Row, batch int) error
}

// TableStash buffers rows and bulk-inserts them every ChunkSize rows.
type TableStash struct {
	ins     rowInserter
	cfg     TableConfig
	buf     *batcher.Buffer[Row]
	logger  zerolog.Logger
	metrics metrics.Recorder
	closed  bool
	inserts int
	// release frees resources Open acquired for this stash.
	release func() error
}

// NewTable creates the table when it does not exist, with a 36-character id
// primary key and one index per configured column set.
func NewTable(ctx context.Context, db *gorm.DB, cfg TableConfig, logger zerolog.Logger, opts ...Option) (*TableStash, error) {
	if db == nil {
		panic("db is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid table config: %w", err)
	}
	t := &gormTable{db: db, table: cfg.Table}
	if err := t.provision(ctx, cfg.Indexes); err != nil {
		return nil, err
	}
	return newTableStash(t, cfg, logger, opts...)
}

func newTableStash(ins rowInserter, cfg TableConfig, logger zerolog.Logger, opts ...Option) (*TableStash, error) {
	buf, err := batcher.NewBuffer[Row](cfg.ChunkSize)
	if err != nil {
		return nil, err
	}
	o := collect(opts)
	return &TableStash{
		ins:     ins,
		cfg:     cfg,
		buf:     buf,
		logger:  logger.With().Str("component", "TableStash").Str("table", cfg.Table).Logger(),
		metrics: o.metrics,
	}, nil
}

// Stash buffers one row; the row that fills the buffer triggers a flush.
func (s *TableStash) Stash(ctx context.Context, d Datum) error {
	if s.closed {
		return ErrClosed
	}
	r, err := asRow(d)
	if err != nil {
		return err
	}
	if s.buf.Add(r) {
		return s.flush(ctx, s.cfg.ChunkSize)
	}
	return nil
}

// Close flushes the remaining rows in sub-batches of half the chunk size.
func (s *TableStash) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.flush(ctx, s.cfg.closeChunk())
	if s.release != nil {
		err = errors.Join(err, s.release())
	}
	return err
}

// Buffered reports rows waiting for the next flush.
func (s *TableStash) Buffered() int { return s.buf.Len() }

// Inserts reports the number of bulk inserts issued.
func (s *TableStash) Inserts() int { return s.inserts }

func (s *TableStash) flush(ctx context.Context, batch int) error {
	rows := s.buf.Flush()
	if len(rows) == 0 {
		return nil
	}
	start := time.Now()
	s.inserts++
	err := s.ins.insert(ctx, rows, batch)
	metrics.ObserveFlush(s.metrics, backendTable, len(rows), time.Since(start), err)
	if err != nil {
		return writeErr(fmt.Errorf("insert %d rows into %q: %w", len(rows), s.cfg.Table, err))
	}
	s.logger.Debug().Int("rows", len(rows)).Msg("flushed")
	return nil
}

// gormTable inserts through gorm, adding columns the table lacks.
type gormTable struct {
	db      *gorm.DB
	table   string
	columns map[string]struct{}
}

func (t *gormTable) provision(ctx context.Context, indexes [][]string) error {
	db := t.db.WithContext(ctx)
	err := db.Exec("CREATE TABLE IF NOT EXISTS ? (? VARCHAR(36) PRIMARY KEY)",
		clause.Table{Name: t.table}, clause.Column{Name: IDColumn}).Error
	if err != nil {
		return fmt.Errorf("create table %q: %w", t.table, err)
	}
	if err := t.loadColumns(ctx); err != nil {
		return err
	}

	for _, cols := range indexes {
		if err := t.ensureColumns(ctx, indexRow(cols)); err != nil {
			return err
		}
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = db.Statement.Quote(c)
		}
		name := "ix_" + t.table + "_" + strings.Join(cols, "_")
		sql := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			db.Statement.Quote(name), db.Statement.Quote(t.table), strings.Join(quoted, ", "))
		if err := db.Exec(sql).Error; err != nil {
			return fmt.Errorf("create index %s: %w", name, err)
		}
	}
	return nil
}

func (t *gormTable) loadColumns(ctx context.Context) error {
	rows, err := t.db.WithContext(ctx).Table(t.table).Limit(1).Rows()
	if err != nil {
		return fmt.Errorf("read columns of %q: %w", t.table, err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("read columns of %q: %w", t.table, err)
	}
	t.columns = make(map[string]struct{}, len(cols))
	for _, c := range cols {
		t.columns[c] = struct{}{}
	}
	return nil
}

// ensureColumns adds the columns of rows the table does not have yet, typed
// after the first non-nil value seen.
func (t *gormTable) ensureColumns(ctx context.Context, rows ...Row) error {
	missing := map[string]string{}
	for _, r := range rows {
		for k, v := range r {
			if _, ok := t.columns[k]; ok {
				continue
			}
			if typ, seen := missing[k]; seen && typ != "" {
				continue
			}
			missing[k] = sqlType(v)
		}
	}
	names := make([]string, 0, len(missing))
	for k := range missing {
		names = append(names, k)
	}
	sort.Strings(names)

	db := t.db.WithContext(ctx)
	for _, k := range names {
		typ := missing[k]
		if typ == "" {
			typ = "TEXT"
		}
		err := db.Exec(fmt.Sprintf("ALTER TABLE ? ADD COLUMN ? %s", typ),
			clause.Table{Name: t.table}, clause.Column{Name: k}).Error
		if err != nil {
			// Another writer on the same table may have added it first.
			if lerr := t.loadColumns(ctx); lerr == nil {
				if _, ok := t.columns[k]; ok {
					continue
				}
			}
			return fmt.Errorf("add column %q to %q: %w", k, t.table, err)
		}
		t.columns[k] = struct{}{}
	}
	return nil
}

func (t *gormTable) insert(ctx context.Context, rows []Row, batch int) error {
	if err := t.ensureColumns(ctx, rows...); err != nil {
		return err
	}
	values := make([]map[string]any, len(rows))
	for i, r := range rows {
		v, err := columnValues(r)
		if err != nil {
			return err
		}
		values[i] = v
	}
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Table(t.table).CreateInBatches(values, batch).Error
	})
}

func indexRow(cols []string) Row {
	r := make(Row, len(cols))
	for _, c := range cols {
		r[c] = nil
	}
	return r
}

// sqlType maps a Go value to a column type understood by sqlite and postgres.
// nil yields "" so a later value can decide.
func sqlType(v any) string {
	switch v.(type) {
	case nil:
		return ""
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "BIGINT"
	case float32, float64:
		return "DOUBLE PRECISION"
	case bool:
		return "BOOLEAN"
	case time.Time:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

// columnValues stores nested values as JSON text.
func columnValues(r Row) (map[string]any, error) {
	out := make(map[string]any, len(r))
	for k, v := range r {
		switch x := v.(type) {
		case map[string]any, []any, []string, Row:
			b, err := json.Marshal(x)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", k, err)
			}
			out[k] = string(b)
		case json.Number:
			out[k] = x.String()
		default:
			out[k] = v
		}
	}
	return out, nil
}
