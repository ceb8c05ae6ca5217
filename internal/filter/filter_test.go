package filter

import (
	"errors"
	"testing"
	"time"

	"github.com/John-Robertt/dedup/internal/domain"
)

func rec(path string, size uint64, mod time.Time) domain.FileRecord {
	return domain.FileRecord{Path: path, Size: size, ModTime: mod}
}

func TestFilter_MinMaxSize(t *testing.T) {
	f, err := New(Options{MinSize: 10, MaxSize: 100})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	now := time.Now()

	if f.Matches(rec("/r/a.txt", 9, now)) {
		t.Fatalf("小于 min_size 的文件不应通过")
	}
	if !f.Matches(rec("/r/a.txt", 10, now)) || !f.Matches(rec("/r/a.txt", 100, now)) {
		t.Fatalf("边界值应通过")
	}
	if f.Matches(rec("/r/a.txt", 101, now)) {
		t.Fatalf("大于 max_size 的文件不应通过")
	}
}

func TestFilter_Extension(t *testing.T) {
	f, err := New(Options{Ext: ".TXT"})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	now := time.Now()

	if !f.Matches(rec("/r/a.txt", 1, now)) {
		t.Fatalf("扩展名匹配应忽略大小写与前导点")
	}
	if f.Matches(rec("/r/a.md", 1, now)) {
		t.Fatalf("扩展名不同不应通过")
	}
	if f.Matches(rec("/r/Makefile", 1, now)) {
		t.Fatalf("配置了扩展名时，无扩展名文件不应通过")
	}
}

func TestFilter_PatternAndSince(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f, err := New(Options{Pattern: `/keep/`, Since: since})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	if !f.Matches(rec("/r/keep/a", 1, since)) {
		t.Fatalf("modified_at == since 应通过")
	}
	if f.Matches(rec("/r/keep/a", 1, since.Add(-time.Second))) {
		t.Fatalf("早于 since 的文件不应通过")
	}
	if f.Matches(rec("/r/drop/a", 1, since)) {
		t.Fatalf("不匹配正则的路径不应通过")
	}
}

func TestFilter_MatchAllDefault(t *testing.T) {
	f, err := New(Options{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if !f.Matches(rec("/r/noext", 0, time.Time{})) {
		t.Fatalf("零值 Options 应匹配所有文件")
	}
	if !MatchAll().Matches(rec("/r/x", 0, time.Time{})) {
		t.Fatalf("MatchAll 应匹配所有文件")
	}
}

func TestNew_BadPattern(t *testing.T) {
	_, err := New(Options{Pattern: "("})
	var bp *BadPatternError
	if !errors.As(err, &bp) {
		t.Fatalf("期望 BadPatternError，实际：%T %v", err, err)
	}
}

func TestNew_MaxBelowMin(t *testing.T) {
	if _, err := New(Options{MinSize: 10, MaxSize: 5}); err == nil {
		t.Fatalf("max_size < min_size 应报错")
	}
}

// 提高 min_size 或增加扩展名约束只会缩小（或保持）通过集合。
func TestFilter_Monotonic(t *testing.T) {
	now := time.Now()
	files := []domain.FileRecord{
		rec("/r/a.txt", 0, now),
		rec("/r/b.txt", 5, now),
		rec("/r/c.md", 50, now),
		rec("/r/d", 500, now),
		rec("/r/e.txt", 5000, now),
	}

	accepted := func(f Filter) map[string]bool {
		out := map[string]bool{}
		for _, r := range files {
			if f.Matches(r) {
				out[r.Path] = true
			}
		}
		return out
	}
	subset := func(small, big map[string]bool) bool {
		for p := range small {
			if !big[p] {
				return false
			}
		}
		return true
	}

	prev := accepted(MatchAll())
	for _, min := range []uint64{1, 10, 100, 1000, 10000} {
		f, err := New(Options{MinSize: min})
		if err != nil {
			t.Fatalf("不期望错误：%v", err)
		}
		cur := accepted(f)
		if !subset(cur, prev) {
			t.Fatalf("min_size=%d 扩大了通过集合：%v ⊄ %v", min, cur, prev)
		}
		prev = cur
	}

	withExt, err := New(Options{Ext: "txt"})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if !subset(accepted(withExt), accepted(MatchAll())) {
		t.Fatalf("增加扩展名约束扩大了通过集合")
	}
}
