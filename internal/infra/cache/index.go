package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/John-Robertt/dedup/internal/domain"
)

// DirName 是扫描根目录下的工作目录名；walker 会跳过它。
const DirName = ".dedup"

const (
	dbFileName   = "index.db"
	lockFileName = "lock"
)

// ErrLocked 表示同一个索引已被另一个进程打开。
var ErrLocked = errors.New("index: locked by another process")

const schema = `
CREATE TABLE IF NOT EXISTS fingerprints (
	path      TEXT    NOT NULL,
	algorithm TEXT    NOT NULL,
	mod_time  INTEGER NOT NULL,
	hash      TEXT    NOT NULL,
	PRIMARY KEY (path, algorithm)
);
`

// pragmas 通过 DSN 下发，连接池里的每个连接都会生效。
var pragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
}

// Index 是按 (path, algorithm) 记录指纹的持久化新鲜度索引。
//
// 约束：
// - 新鲜 = 存储的 mod_time 与当前 mtime 纳秒级完全相等（时间回拨同样视为失效）
// - 读可并发；写由 mu 全局串行
// - 条目只会被覆盖，不会被自动删除
type Index struct {
	db   *sqlx.DB
	lock *flock.Flock

	mu sync.Mutex
}

type row struct {
	ModTime int64  `db:"mod_time"`
	Hash    string `db:"hash"`
}

// DirFor 返回某个扫描根目录对应的工作目录。
func DirFor(root string) string {
	return filepath.Join(filepath.Clean(strings.TrimSpace(root)), DirName)
}

// Open 打开（必要时创建）<root>/.dedup/index.db，并持有 <root>/.dedup/lock。
func Open(root string) (*Index, error) {
	dir := DirFor(root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}

	lk := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock index: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}

	ix, err := openDB(filepath.Join(dir, dbFileName))
	if err != nil {
		_ = lk.Unlock()
		return nil, err
	}
	ix.lock = lk
	return ix, nil
}

func openDB(path string) (*Index, error) {
	db, err := sqlx.Connect("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize index schema: %w", err)
	}
	return &Index{db: db}, nil
}

func dsn(path string) string {
	q := make([]string, 0, len(pragmas)+1)
	q = append(q, "mode=rwc")
	for _, p := range pragmas {
		q = append(q, "_pragma="+p)
	}
	return "file:" + path + "?" + strings.Join(q, "&")
}

// Lookup 在条目新鲜时返回缓存的指纹。
func (ix *Index) Lookup(ctx context.Context, path string, algo domain.Algorithm, modTime time.Time) (string, bool, error) {
	var r row
	err := ix.db.GetContext(ctx, &r,
		"SELECT mod_time, hash FROM fingerprints WHERE path = ? AND algorithm = ?",
		path, string(algo))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("query index %s: %w", path, err)
	}
	if r.ModTime != modTime.UnixNano() {
		return "", false, nil
	}
	return r.Hash, true, nil
}

// IsFresh 判断 path 在 algo 下的条目是否仍然有效。查询失败视为不新鲜。
func (ix *Index) IsFresh(ctx context.Context, path string, algo domain.Algorithm, modTime time.Time) bool {
	_, ok, err := ix.Lookup(ctx, path, algo, modTime)
	return err == nil && ok
}

// Upsert 写入（或覆盖）条目。
func (ix *Index) Upsert(ctx context.Context, path string, algo domain.Algorithm, modTime time.Time, hash string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	_, err := ix.db.ExecContext(ctx, `
INSERT INTO fingerprints (path, algorithm, mod_time, hash)
VALUES (?, ?, ?, ?)
ON CONFLICT(path, algorithm) DO UPDATE SET
	mod_time = excluded.mod_time,
	hash     = excluded.hash
`, path, string(algo), modTime.UnixNano(), hash)
	if err != nil {
		return fmt.Errorf("upsert index %s: %w", path, err)
	}
	return nil
}

// Count 返回条目总数。
func (ix *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := ix.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM fingerprints"); err != nil {
		return 0, fmt.Errorf("count index: %w", err)
	}
	return n, nil
}

// Close 关闭数据库并释放进程锁。
func (ix *Index) Close() error {
	if ix == nil || ix.db == nil {
		return nil
	}
	err := ix.db.Close()
	if ix.lock != nil {
		if uerr := ix.lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}
	return err
}
