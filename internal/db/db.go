package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

type Database struct {
	Conn   *sql.DB
	Driver string
}

// NewDatabase opens and pings the durable message log. pgx is the production
// driver; sqlite serves local development and tests.
func NewDatabase(driver, dsn string) (*Database, error) {
	switch driver {
	case DriverPostgres:
	case DriverSQLite:
		if dir := filepath.Dir(dsn); dsn != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	if driver == DriverSQLite {
		// One writer; also keeps ":memory:" on a single connection.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(25)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}
	return &Database{Conn: conn, Driver: driver}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

func (d *Database) AutoMigrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS messages (
            conversation_key VARCHAR(32) NOT NULL,
            message_id VARCHAR(128) NOT NULL,
            direction VARCHAR(10) CHECK (direction IN ('sent', 'received')) NOT NULL,
            content TEXT NOT NULL,
            document_url TEXT NOT NULL DEFAULT '',
            document_name TEXT NOT NULL DEFAULT '',
            sent_at BIGINT NOT NULL,
            delivery_state VARCHAR(10) NOT NULL DEFAULT 'sent',
            simulated BOOLEAN NOT NULL DEFAULT FALSE,
            PRIMARY KEY (conversation_key, message_id)
        )`,

		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_time
            ON messages (conversation_key, sent_at)`,

		`CREATE INDEX IF NOT EXISTS idx_messages_message_id
            ON messages (message_id)`,
	}

	for _, query := range queries {
		_, err := d.Conn.Exec(query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Rebind rewrites '?' placeholders into the driver's native form.
func (d *Database) Rebind(query string) string {
	if d.Driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
