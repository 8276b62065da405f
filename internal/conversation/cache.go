package conversation

import (
	"context"
	"fmt"

	"gastro-chat/internal/chat"
	"gastro-chat/internal/db"
)

// Snapshot is everything Restore needs to rebuild a view.
type Snapshot struct {
	Contacts []string
	Messages []chat.Message
	Unread   map[string]int
}

// Cache is a local sqlite copy of the view so a restarted client starts from
// what it last saw instead of an empty list. Messages go through the same
// repository the server uses for its durable log.
type Cache struct {
	db   *db.Database
	repo *chat.Repository
}

func OpenCache(path string) (*Cache, error) {
	database, err := db.NewDatabase(db.DriverSQLite, path)
	if err != nil {
		return nil, fmt.Errorf("open view cache: %w", err)
	}
	if err := database.AutoMigrate(); err != nil {
		database.Close()
		return nil, err
	}
	c := &Cache{db: database, repo: chat.NewRepository(database)}
	if err := c.migrate(); err != nil {
		database.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS contacts (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            conversation_key TEXT NOT NULL UNIQUE
        )`,
		`CREATE TABLE IF NOT EXISTS unread (
            conversation_key TEXT PRIMARY KEY,
            count INTEGER NOT NULL DEFAULT 0
        )`,
	}
	for _, query := range queries {
		if _, err := c.db.Conn.Exec(query); err != nil {
			return fmt.Errorf("cache migration failed: %w", err)
		}
	}
	return nil
}

func (c *Cache) Close() error { return c.db.Close() }

func (c *Cache) SaveMessage(ctx context.Context, msg chat.Message) error {
	return c.repo.SaveMessage(ctx, &msg)
}

func (c *Cache) SaveContact(ctx context.Context, key string) error {
	_, err := c.db.Conn.ExecContext(ctx,
		`INSERT INTO contacts (conversation_key) VALUES (?) ON CONFLICT (conversation_key) DO NOTHING`, key)
	return err
}

func (c *Cache) SaveUnread(ctx context.Context, key string, n int) error {
	_, err := c.db.Conn.ExecContext(ctx,
		`INSERT INTO unread (conversation_key, count) VALUES (?, ?)
         ON CONFLICT (conversation_key) DO UPDATE SET count = excluded.count`, key, n)
	return err
}

func (c *Cache) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Unread: map[string]int{}}

	rows, err := c.db.Conn.QueryContext(ctx, `SELECT conversation_key FROM contacts ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, err
		}
		snap.Contacts = append(snap.Contacts, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	convs, err := c.repo.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	for _, conv := range convs {
		msgs, err := c.repo.GetMessages(ctx, conv.ConversationKey)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			snap.Messages = append(snap.Messages, *m)
		}
	}

	rows, err = c.db.Conn.QueryContext(ctx, `SELECT conversation_key, count FROM unread WHERE count > 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		snap.Unread[key] = n
	}
	return snap, rows.Err()
}
