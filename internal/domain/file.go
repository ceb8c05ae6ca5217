package domain

import (
	"path/filepath"
	"strings"
	"time"
)

// FileRecord 描述一次遍历得到的普通文件（只做 stat，不读内容）。
//
// 不变量（实现必须遵守）：
// - Path 必须是 clean + absolute
// - Seq 是遍历输出顺序中的下标；keeper 选择只依赖它，不依赖哈希完成顺序
type FileRecord struct {
	Path    string
	RelPath string
	Size    uint64
	ModTime time.Time
	Seq     int
}

// Ext 返回小写、不带点的扩展名；没有扩展名时返回空串。
func (r FileRecord) Ext() string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(r.Path)), ".")
}
