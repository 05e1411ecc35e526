package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultPath: 默认缓存库位置（相对工作目录）。
const DefaultPath = ".llmbatch/cache.db"

const schema = `
CREATE TABLE IF NOT EXISTS responses (
	key        TEXT PRIMARY KEY,
	provider   TEXT NOT NULL,
	raw        TEXT NOT NULL,
	created_at TEXT NOT NULL
);`

// Store: 以 SQLite 持久化的后端响应缓存。
type Store struct {
	db *sql.DB
}

// Open 打开或创建 path 处的缓存库；父目录不存在时一并创建。
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// 单连接：:memory: 库按连接隔离，且避免并发写锁冲突
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Get 按键读取；未命中返回 ok=false。
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT raw FROM responses WHERE key = ?", key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get: %w", err)
	}
	return raw, true, nil
}

// Put 写入或覆盖一条响应。
func (s *Store) Put(ctx context.Context, key, provider, raw string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO responses(key, provider, raw, created_at) VALUES(?, ?, ?, ?) "+
			"ON CONFLICT(key) DO UPDATE SET provider = excluded.provider, raw = excluded.raw, created_at = excluded.created_at",
		key, provider, raw, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Len 返回缓存条目数。
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM responses").Scan(&n); err != nil {
		return 0, fmt.Errorf("cache count: %w", err)
	}
	return n, nil
}

// Close 关闭底层连接。
func (s *Store) Close() error { return s.db.Close() }
