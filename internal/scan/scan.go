package scan

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/John-Robertt/dedup/internal/domain"
)

// WorkDirName 是根目录下的工作目录（索引、锁），永远不参与扫描。
const WorkDirName = ".dedup"

// IgnoreFileName 是根目录下可选的 gitignore 风格忽略文件。
const IgnoreFileName = ".dedupignore"

// Options 控制遍历时的排除规则。
type Options struct {
	// Exclude：相对 root 的 doublestar 模式（如 "**/node_modules"、"*.tmp"）；
	// 绝对路径则按“该路径及其下所有内容”处理。
	Exclude []string

	// SkipDirs：额外跳过的绝对目录（例如位于 root 内的隔离目录）。
	SkipDirs []string
}

// WalkError 是遍历中单个条目的失败（不会中断遍历）。
type WalkError struct {
	Path string
	Err  error
}

func (e WalkError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }

// RootError 表示根目录本身不可用（不存在、不是目录、不可读）。
type RootError struct {
	Root string
	Err  error
}

func (e *RootError) Error() string { return fmt.Sprintf("扫描根目录不可用 %s：%v", e.Root, e.Err) }
func (e *RootError) Unwrap() error { return e.Err }

// Result 是一次遍历的输出。
type Result struct {
	Root   string
	Files  []domain.FileRecord
	Errors []WalkError
}

// ListFiles 列出 root 下的所有普通文件（root 本身是符号链接时先解析；树内的符号链接不跟随）。
//
// 规则（硬约束）：
// - 永久排除：<root>/.dedup/
// - <root>/.dedupignore 存在时按 gitignore 语义排除
// - 只做 stat（DirEntry.Info），不读文件内容
// - 输出按 RelPath 字典序排序，Seq 即排序后的下标
func ListFiles(root string, opt Options) (Result, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Result{}, &RootError{Root: root, Err: err}
	}
	// WalkDir 对 root 用 Lstat：不解析的话，指向目录的符号链接会被当成叶子，什么都列不出来。
	root, err = filepath.EvalSymlinks(filepath.Clean(abs))
	if err != nil {
		return Result{}, &RootError{Root: abs, Err: err}
	}

	st, err := os.Stat(root)
	if err != nil {
		return Result{}, &RootError{Root: root, Err: err}
	}
	if !st.IsDir() {
		return Result{}, &RootError{Root: root, Err: errors.New("不是目录")}
	}

	m, err := newMatcher(root, opt)
	if err != nil {
		return Result{}, err
	}

	res := Result{Root: root, Files: make([]domain.FileRecord, 0, 128)}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			res.Errors = append(res.Errors, WalkError{Path: path, Err: walkErr})
			return nil
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			res.Errors = append(res.Errors, WalkError{Path: path, Err: err})
			return nil
		}

		// 统一的排除判断：目录用 SkipDir，文件则直接跳过。
		if m.excluded(path, filepath.ToSlash(rel), d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			res.Errors = append(res.Errors, WalkError{Path: path, Err: err})
			return nil
		}

		res.Files = append(res.Files, domain.FileRecord{
			Path:    path,
			RelPath: rel,
			Size:    uint64(info.Size()),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return Result{}, &RootError{Root: root, Err: err}
	}

	// 强制稳定输出，避免不同平台/文件系统行为差异带来的不确定性。
	sort.Slice(res.Files, func(i, j int) bool { return res.Files[i].RelPath < res.Files[j].RelPath })
	for i := range res.Files {
		res.Files[i].Seq = i
	}
	sort.Slice(res.Errors, func(i, j int) bool { return res.Errors[i].Path < res.Errors[j].Path })
	return res, nil
}

type matcher struct {
	dirs     []string // 绝对路径前缀
	patterns []string // doublestar，相对 root，slash 形式
	ignore   *ignore.GitIgnore
}

// BadPatternError 表示排除模式不是合法的 doublestar 模式。
type BadPatternError struct {
	Pattern string
}

func (e *BadPatternError) Error() string { return fmt.Sprintf("非法的排除模式：%q", e.Pattern) }

func newMatcher(root string, opt Options) (*matcher, error) {
	m := &matcher{}
	m.dirs = append(m.dirs, filepath.Join(root, WorkDirName))

	for _, x := range opt.SkipDirs {
		if x = strings.TrimSpace(x); x != "" {
			m.dirs = append(m.dirs, resolveDir(x))
		}
	}
	for _, x := range opt.Exclude {
		x = strings.TrimSpace(x)
		if x == "" {
			continue
		}
		if filepath.IsAbs(x) {
			m.dirs = append(m.dirs, resolveDir(x))
			continue
		}
		x = filepath.ToSlash(x)
		if !doublestar.ValidatePattern(x) {
			return nil, &BadPatternError{Pattern: x}
		}
		m.patterns = append(m.patterns, x)
	}
	// 排除列表排序后，excluded 的行为更可预测（且便于测试）。
	sort.Strings(m.dirs)

	ignPath := filepath.Join(root, IgnoreFileName)
	if _, err := os.Stat(ignPath); err == nil {
		gi, err := ignore.CompileIgnoreFile(ignPath)
		if err != nil {
			return nil, fmt.Errorf("读取 %s 失败：%w", ignPath, err)
		}
		m.ignore = gi
	}
	return m, nil
}

func (m *matcher) excluded(abs, rel string, isDir bool) bool {
	for _, base := range m.dirs {
		if isUnder(abs, base) {
			return true
		}
	}
	for _, p := range m.patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	if m.ignore != nil {
		if rel == IgnoreFileName {
			return true
		}
		if m.ignore.MatchesPath(rel) {
			return true
		}
		if isDir && m.ignore.MatchesPath(rel+"/") {
			return true
		}
	}
	return false
}

// resolveDir 把排除目录解析到与 root 相同的形式（root 已解析过符号链接）；不存在时原样 Clean。
func resolveDir(p string) string {
	p = filepath.Clean(p)
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	return p
}

func isUnder(path, base string) bool {
	if path == base {
		return true
	}
	sep := string(filepath.Separator)
	return strings.HasPrefix(path, base+sep)
}
