package care

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Archive statuses
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// ArchiveRecord is a local copy of one dispatch attempt.
type ArchiveRecord struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Hook      Hook      `json:"hook"`
	Name      string    `json:"name"`
	Message   string    `json:"message"`
	Client    bool      `json:"client"`
	Status    string    `json:"status"`
	Payload   string    `json:"payload"` // JSON, exactly as sent
	Meta      string    `json:"meta"`    // JSON, exactly as sent
}

// Archive stores ArchiveRecords.  Records are written after the
// report has been sent (or has failed) and are never re-sent.
type Archive interface {
	Write(context.Context, ArchiveRecord) error
}

// SqlArchive writes ArchiveRecords to a database/sql table.
type SqlArchive struct {
	pool   *sql.DB
	driver string
	dsn    string
	table  string
}

// NewSqlArchive creates a new SqlArchive object for writing to a
// specified table.  It takes the bulk of its config from the
// `DB_DRIVER` and `DSN` environment variables.
func NewSqlArchive(table string) *SqlArchive {
	return &SqlArchive{
		driver: os.Getenv("DB_DRIVER"),
		dsn:    os.Getenv("DSN"),
		table:  table,
	}
}

// Connect connects to a database and validates that we're able to
// access it.
func (db *SqlArchive) Connect(ctx context.Context) error {
	pool, err := sql.Open(db.driver, db.dsn)
	if err != nil {
		return fmt.Errorf("unable to connect to db (driver=%q): %w", db.driver, err)
	}
	db.pool = pool

	return pool.PingContext(ctx)
}

// placeholders returns the bind parameters for n columns in the
// driver's dialect.
func (db *SqlArchive) placeholders(n int) string {
	s := ""
	for i := 1; i <= n; i++ {
		if i > 1 {
			s += ", "
		}
		if db.driver == "pgx" {
			s += fmt.Sprintf("$%d", i)
		} else {
			s += "?"
		}
	}
	return s
}

// Write inserts one ArchiveRecord.
func (db *SqlArchive) Write(ctx context.Context, r ArchiveRecord) error {
	if db.pool == nil {
		return fmt.Errorf("archive %q is not connected", db.table)
	}

	// The table name comes from a command-line flag, so plain
	// string building is acceptable here.
	query := "INSERT INTO " + db.table +
		" (id, timestamp, hook, name, message, client, status, payload, meta) values (" +
		db.placeholders(9) + ")"

	_, err := db.pool.ExecContext(ctx, query,
		r.ID.String(), r.Timestamp, string(r.Hook), r.Name, r.Message,
		r.Client, r.Status, r.Payload, r.Meta)
	if err != nil {
		return fmt.Errorf("unable to insert into %s: %w", db.table, err)
	}
	return nil
}

// Close closes the underlying pool.
func (db *SqlArchive) Close() error {
	if db.pool == nil {
		return nil
	}
	return db.pool.Close()
}
