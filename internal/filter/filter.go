package filter

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/John-Robertt/dedup/internal/domain"
)

// Options 是过滤条件的原始输入（通常来自 EffectiveConfig）。
// 零值表示“不限制”。
type Options struct {
	MinSize uint64
	MaxSize uint64 // 0 = 不限
	Ext     string // 可带或不带前导 '.'
	Pattern string // 空串 = 匹配全部
	Since   time.Time
}

// Filter 是对文件元数据 + 路径的纯谓词。
//
// 约束：
// - Matches 不做任何 I/O，只看 FileRecord 已有的字段
// - 所有条件 AND 组合；同步/并行两条路径使用同一实例
type Filter struct {
	minSize uint64
	maxSize uint64
	ext     string
	pattern *regexp.Regexp
	since   time.Time
}

// BadPatternError 表示 Pattern 不是合法的正则表达式（配置错误，必须在扫描前暴露）。
type BadPatternError struct {
	Pattern string
	Err     error
}

func (e *BadPatternError) Error() string {
	return fmt.Sprintf("非法的路径正则 %q：%v", e.Pattern, e.Err)
}

func (e *BadPatternError) Unwrap() error { return e.Err }

// New 编译过滤条件。MaxSize 非零且小于 MinSize 时视为配置错误。
func New(o Options) (Filter, error) {
	f := Filter{
		minSize: o.MinSize,
		maxSize: o.MaxSize,
		ext:     normalizeExt(o.Ext),
		since:   o.Since,
	}

	if strings.TrimSpace(o.Pattern) != "" {
		re, err := regexp.Compile(o.Pattern)
		if err != nil {
			return Filter{}, &BadPatternError{Pattern: o.Pattern, Err: err}
		}
		f.pattern = re
	}

	if f.maxSize != 0 && f.maxSize < f.minSize {
		return Filter{}, fmt.Errorf("max_size=%d 小于 min_size=%d", f.maxSize, f.minSize)
	}
	return f, nil
}

// MatchAll 返回不做任何限制的过滤器。
func MatchAll() Filter { return Filter{} }

// Matches 判断文件是否进入候选集合。
func (f Filter) Matches(rec domain.FileRecord) bool {
	if rec.Size < f.minSize {
		return false
	}
	if f.maxSize != 0 && rec.Size > f.maxSize {
		return false
	}
	// 配置了扩展名时，无扩展名的文件一律不通过。
	if f.ext != "" && rec.Ext() != f.ext {
		return false
	}
	if f.pattern != nil && !f.pattern.MatchString(rec.Path) {
		return false
	}
	if !f.since.IsZero() && rec.ModTime.Before(f.since) {
		return false
	}
	return true
}

func normalizeExt(ext string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
}
