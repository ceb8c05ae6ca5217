package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/John-Robertt/dedup/internal/domain"
)

func openTemp(t *testing.T) (*Index, string) {
	t.Helper()
	root := t.TempDir()
	ix, err := Open(root)
	if err != nil {
		t.Fatalf("打开索引失败：%v", err)
	}
	t.Cleanup(func() { _ = ix.Close() })
	return ix, root
}

func mustLookup(t *testing.T, ix *Index, p string, algo domain.Algorithm, mt time.Time, want string) {
	t.Helper()
	h, ok, err := ix.Lookup(context.Background(), p, algo, mt)
	if err != nil {
		t.Fatalf("查询索引失败：%v", err)
	}
	if !ok || h != want {
		t.Fatalf("期望命中 %q，实际 ok=%v hash=%q", want, ok, h)
	}
}

func TestIndex_UpsertLookupFreshness(t *testing.T) {
	ctx := context.Background()
	ix, root := openTemp(t)

	p := filepath.Join(root, "a.txt")
	mt := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

	if ix.IsFresh(ctx, p, domain.AlgoSHA256, mt) {
		t.Fatalf("空索引不应命中")
	}

	if err := ix.Upsert(ctx, p, domain.AlgoSHA256, mt, "h1"); err != nil {
		t.Fatalf("写入索引失败：%v", err)
	}
	mustLookup(t, ix, p, domain.AlgoSHA256, mt, "h1")

	// 任意 mtime 变化（包括回拨 1ns）都让条目失效。
	if ix.IsFresh(ctx, p, domain.AlgoSHA256, mt.Add(time.Nanosecond)) {
		t.Fatalf("mtime +1ns 后条目应失效")
	}
	if ix.IsFresh(ctx, p, domain.AlgoSHA256, mt.Add(-time.Nanosecond)) {
		t.Fatalf("mtime 回拨 1ns 后条目应失效")
	}

	// 不同算法互不干扰。
	if ix.IsFresh(ctx, p, domain.AlgoXXHash, mt) {
		t.Fatalf("不同算法不应命中")
	}

	// 覆盖写。
	mt2 := mt.Add(time.Second)
	if err := ix.Upsert(ctx, p, domain.AlgoSHA256, mt2, "h2"); err != nil {
		t.Fatalf("覆盖写失败：%v", err)
	}
	mustLookup(t, ix, p, domain.AlgoSHA256, mt2, "h2")

	n, err := ix.Count(ctx)
	if err != nil {
		t.Fatalf("计数失败：%v", err)
	}
	if n != 1 {
		t.Fatalf("覆盖写后期望 1 条，实际 %d", n)
	}
}

func TestIndex_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	mt := time.Unix(1700000000, 42)

	ix, err := Open(root)
	if err != nil {
		t.Fatalf("打开索引失败：%v", err)
	}
	if err := ix.Upsert(ctx, "/x/a", domain.AlgoBLAKE2b, mt, "abc"); err != nil {
		t.Fatalf("写入索引失败：%v", err)
	}
	if err := ix.Close(); err != nil {
		t.Fatalf("关闭索引失败：%v", err)
	}

	if _, err := os.Stat(filepath.Join(root, DirName, "index.db")); err != nil {
		t.Fatalf("index.db 应已落盘：%v", err)
	}

	ix, err = Open(root)
	if err != nil {
		t.Fatalf("重新打开索引失败：%v", err)
	}
	defer ix.Close()

	mustLookup(t, ix, "/x/a", domain.AlgoBLAKE2b, mt, "abc")
}

func TestIndex_SecondOpenerIsLocked(t *testing.T) {
	_, root := openTemp(t)

	if _, err := Open(root); !errors.Is(err, ErrLocked) {
		t.Fatalf("期望 ErrLocked，实际：%v", err)
	}
}

func TestIndex_ConcurrentUpserts(t *testing.T) {
	ctx := context.Background()
	ix, _ := openTemp(t)
	mt := time.Unix(1700000000, 0)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := fmt.Sprintf("/r/f%02d", i)
			if err := ix.Upsert(ctx, p, domain.AlgoSHA256, mt, "h"); err != nil {
				errs <- err
				return
			}
			if !ix.IsFresh(ctx, p, domain.AlgoSHA256, mt) {
				errs <- fmt.Errorf("%s 写入后应命中", p)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("并发写入失败：%v", err)
	}

	n, err := ix.Count(ctx)
	if err != nil {
		t.Fatalf("计数失败：%v", err)
	}
	if n != 32 {
		t.Fatalf("期望 32 条，实际 %d", n)
	}
}
