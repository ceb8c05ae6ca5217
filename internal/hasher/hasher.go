package hasher

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/John-Robertt/dedup/internal/domain"
	"github.com/John-Robertt/dedup/internal/infra/imgx"
)

// ChunkSize 是流式读取的固定块大小；任何文件都不会被整体读入内存（图片解码除外）。
const ChunkSize = 8 << 10

// DefaultMaxTextBytes 是 text 指纹最多保留的内容字节数。
const DefaultMaxTextBytes = 4096

// Hasher 计算单个文件的指纹。扫描编排层只依赖这个接口，测试可以替换为计数实现。
type Hasher interface {
	Hash(path string, algo domain.Algorithm) (string, error)
}

// FileHasher 是基于本地文件系统的默认实现。零值可用。
type FileHasher struct {
	// MaxTextBytes <= 0 时使用 DefaultMaxTextBytes。
	MaxTextBytes int64
}

// Error 描述某个文件的哈希失败；Err 保留底层 I/O 错误，便于 errors.Is(err, fs.ErrNotExist)。
type Error struct {
	Path      string
	Algorithm domain.Algorithm
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("hash %s (%s): %v", e.Path, e.Algorithm, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrSelectorNotResolved 表示调用方传入了 AlgoPerceptual 选择器，但没有先用 ForFile 解析。
var ErrSelectorNotResolved = errors.New("perceptual 选择器需先按文件解析为 dhash/text")

// Hash 用默认配置计算指纹。
func Hash(path string, algo domain.Algorithm) (string, error) {
	return FileHasher{}.Hash(path, algo)
}

// Hash 打开文件并按算法分派。
//
// 输出格式：
// - sha256/blake2b：64 位小写 hex
// - xxhash：16 位小写 hex
// - dhash：16 位小写 hex（64 位梯度哈希）
// - text：文件前 MaxTextBytes 字节的原始内容
func (h FileHasher) Hash(path string, algo domain.Algorithm) (string, error) {
	if algo == domain.AlgoPerceptual {
		algo = ForFile(algo, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", &Error{Path: path, Algorithm: algo, Err: err}
	}
	defer f.Close()

	out, err := h.HashReader(f, algo)
	if err != nil {
		return "", &Error{Path: path, Algorithm: algo, Err: err}
	}
	return out, nil
}

// HashReader 对任意数据流计算指纹（不包装路径信息）。
func (h FileHasher) HashReader(r io.Reader, algo domain.Algorithm) (string, error) {
	switch algo {
	case domain.AlgoSHA256:
		return digest(r, sha256.New())
	case domain.AlgoBLAKE2b:
		d, err := blake2b.New256(nil)
		if err != nil {
			return "", err
		}
		return digest(r, d)
	case domain.AlgoXXHash:
		d := xxhash.New()
		if err := copyChunked(d, r); err != nil {
			return "", err
		}
		return fmt.Sprintf("%016x", d.Sum64()), nil
	case domain.AlgoDHash:
		v, err := imgx.DHash(r)
		if err != nil {
			return "", err
		}
		return imgx.FormatHash(v), nil
	case domain.AlgoText:
		return h.text(r)
	case domain.AlgoPerceptual:
		return "", ErrSelectorNotResolved
	default:
		return "", fmt.Errorf("%w：%q", domain.ErrUnknownAlgorithm, algo)
	}
}

func (h FileHasher) text(r io.Reader) (string, error) {
	limit := h.MaxTextBytes
	if limit <= 0 {
		limit = DefaultMaxTextBytes
	}
	var buf bytes.Buffer
	if err := copyChunked(&buf, io.LimitReader(r, limit)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func digest(r io.Reader, d hash.Hash) (string, error) {
	if err := copyChunked(d, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(d.Sum(nil)), nil
}

func copyChunked(dst io.Writer, src io.Reader) error {
	buf := make([]byte, ChunkSize)
	_, err := io.CopyBuffer(dst, src, buf)
	return err
}

// ForFile 把 AlgoPerceptual 选择器按扩展名解析为具体变体；其它算法原样返回。
func ForFile(algo domain.Algorithm, path string) domain.Algorithm {
	if algo != domain.AlgoPerceptual {
		return algo
	}
	if imgx.IsImageExt(domain.FileRecord{Path: path}.Ext()) {
		return domain.AlgoDHash
	}
	return domain.AlgoText
}
