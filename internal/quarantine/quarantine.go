package quarantine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/John-Robertt/dedup/internal/infra/fsx"
)

const (
	manifestName = ".dedup-manifest.json"
	lockName     = ".dedup-lock"
)

var (
	// ErrNameCollision 表示隔离目录中已有同名文件；本次移动被拒绝，什么都不会被覆盖。
	ErrNameCollision = errors.New("quarantine: name collision")
	// ErrNotFound 表示隔离目录中没有该名字（或名字非法）。
	ErrNotFound = errors.New("quarantine: not found")
	// ErrDestinationExists 表示恢复目标已存在；恢复被拒绝。
	ErrDestinationExists = errors.New("quarantine: destination exists")
	// ErrNoOriginal 表示清单中没有该文件的原始路径记录。
	ErrNoOriginal = errors.New("quarantine: original path unknown")
	// ErrLocked 表示隔离目录正被另一个进程使用。
	ErrLocked = errors.New("quarantine: locked by another process")
)

// CollisionError 描述一次被拒绝的隔离。
type CollisionError struct {
	Name string
	// Existing 是占用该名字的文件的原始路径（清单中无记录时为隔离目录内路径）。
	Existing string
	// SameContent 表示清单记录的指纹与待隔离文件一致。
	SameContent bool
}

func (e *CollisionError) Error() string {
	if e.SameContent {
		return fmt.Sprintf("隔离目录已存在同名且同内容的文件 %q（来自 %s）", e.Name, e.Existing)
	}
	return fmt.Sprintf("隔离目录已存在同名文件 %q（来自 %s）", e.Name, e.Existing)
}

func (e *CollisionError) Is(target error) bool { return target == ErrNameCollision }

// Entry 是清单中的一条记录。
type Entry struct {
	Name          string    `json:"name"`
	Original      string    `json:"original,omitempty"`
	Hash          string    `json:"hash,omitempty"`
	QuarantinedAt time.Time `json:"quarantined_at"`
}

type manifest struct {
	Version int              `json:"version"`
	Entries map[string]Entry `json:"entries"`
}

// Manager 管理一个扁平的隔离目录（以文件 base name 为键）。
//
// 约束：
// - 所有移动都是同一文件系统内的原子 rename；跨盘直接失败
// - 任何情况下都不覆盖已有文件
// - 清单只是辅助信息：目录内容才是事实来源
type Manager struct {
	dir  string
	lock *flock.Flock

	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

// Open 创建（必要时）隔离目录、持有目录锁并加载清单。
func Open(dir string) (*Manager, error) {
	abs, err := filepath.Abs(strings.TrimSpace(dir))
	if err != nil {
		return nil, err
	}
	if err := fsx.EnsureDir(abs); err != nil {
		return nil, fmt.Errorf("create quarantine directory %s: %w", abs, err)
	}

	lk := flock.New(filepath.Join(abs, lockName))
	locked, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock quarantine directory: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}

	m := &Manager{dir: abs, lock: lk, entries: map[string]Entry{}, now: time.Now}
	if err := m.load(); err != nil {
		_ = lk.Unlock()
		return nil, err
	}
	return m, nil
}

// Dir 返回隔离目录的绝对路径。
func (m *Manager) Dir() string { return m.dir }

// Close 释放目录锁。
func (m *Manager) Close() error {
	if m == nil || m.lock == nil {
		return nil
	}
	return m.lock.Unlock()
}

// Quarantine 把 path 移动到 <dir>/<basename(path)>，返回目标路径。
func (m *Manager) Quarantine(path, hash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := filepath.Base(path)
	dst := filepath.Join(m.dir, name)

	if _, err := os.Lstat(dst); err == nil || isInternal(name) {
		return "", m.collision(name, hash)
	}

	if err := fsx.MoveNoReplace(path, dst); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", m.collision(name, hash)
		}
		return "", err
	}

	m.entries[name] = Entry{Name: name, Original: path, Hash: hash, QuarantinedAt: m.now().UTC()}
	if err := m.save(); err != nil {
		// 清单写入失败：把文件放回原处。
		delete(m.entries, name)
		if rerr := fsx.MoveNoReplace(dst, path); rerr != nil {
			return "", fmt.Errorf("写入清单失败：%v；回滚也失败：%w", err, rerr)
		}
		return "", fmt.Errorf("写入清单失败：%w", err)
	}
	return dst, nil
}

func (m *Manager) collision(name, hash string) *CollisionError {
	e := &CollisionError{Name: name, Existing: filepath.Join(m.dir, name)}
	if prev, ok := m.entries[name]; ok {
		if prev.Original != "" {
			e.Existing = prev.Original
		}
		e.SameContent = hash != "" && prev.Hash == hash
	}
	return e
}

// Recover 把 <dir>/<name> 移动到 <destDir>/<name>，返回目标路径。
func (m *Manager) Recover(name, destDir string) (string, error) {
	abs, err := filepath.Abs(destDir)
	if err != nil {
		return "", err
	}
	if err := fsx.EnsureDir(abs); err != nil {
		return "", err
	}
	return m.restore(name, filepath.Join(abs, name))
}

// RecoverOriginal 按清单把 <dir>/<name> 移回原始路径（必要时创建父目录）。
func (m *Manager) RecoverOriginal(name string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	m.mu.Lock()
	e, ok := m.entries[name]
	m.mu.Unlock()
	if !ok || e.Original == "" {
		return "", fmt.Errorf("%w：%q", ErrNoOriginal, name)
	}
	if err := fsx.EnsureDir(filepath.Dir(e.Original)); err != nil {
		return "", err
	}
	return m.restore(name, e.Original)
}

func (m *Manager) restore(name, dst string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	src := filepath.Join(m.dir, name)
	fi, err := os.Lstat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w：%q", ErrNotFound, name)
		}
		return "", err
	}
	if fi.IsDir() {
		return "", fmt.Errorf("%w：%q 是目录", ErrNotFound, name)
	}

	if err := fsx.MoveNoReplace(src, dst); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w：%s", ErrDestinationExists, dst)
		}
		return "", err
	}

	if _, ok := m.entries[name]; ok {
		delete(m.entries, name)
		if err := m.save(); err != nil {
			// 文件已经恢复成功；清单残留只影响 list 的附加信息。
			return dst, fmt.Errorf("文件已恢复，但更新清单失败：%w", err)
		}
	}
	return dst, nil
}

// List 返回隔离目录中的文件（按名字排序），并附上清单中的原始路径/指纹。
func (m *Manager) List() ([]Entry, error) {
	des, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(des))
	for _, de := range des {
		name := de.Name()
		if de.IsDir() || isInternal(name) || strings.HasPrefix(name, "."+manifestName+".tmp-") {
			continue
		}
		e, ok := m.entries[name]
		if !ok {
			e = Entry{Name: name}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Manager) load() error {
	b, err := os.ReadFile(filepath.Join(m.dir, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read quarantine manifest: %w", err)
	}
	var mf manifest
	if err := json.Unmarshal(b, &mf); err != nil {
		return fmt.Errorf("parse quarantine manifest: %w", err)
	}
	for k, v := range mf.Entries {
		v.Name = k
		m.entries[k] = v
	}
	return nil
}

func (m *Manager) save() error {
	b, err := json.MarshalIndent(manifest{Version: 1, Entries: m.entries}, "", "  ")
	if err != nil {
		return err
	}
	return fsx.WriteFileAtomicReplace(m.dir, manifestName, append(b, '\n'))
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || isInternal(name) {
		return fmt.Errorf("%w：非法名称 %q", ErrNotFound, name)
	}
	return nil
}

func isInternal(name string) bool {
	return name == manifestName || name == lockName
}
