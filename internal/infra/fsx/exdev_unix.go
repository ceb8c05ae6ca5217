//go:build unix

package fsx

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isEXDEV 识别“源和目标不在同一文件系统”。
// os.Rename 返回 *os.LinkError，Renameat2 直接返回 Errno；errors.Is 都能展开。
func isEXDEV(err error) bool {
	return errors.Is(err, unix.EXDEV)
}
