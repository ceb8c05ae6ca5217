package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Algorithm 是指纹算法的标签枚举。所有哈希调用都经由同一个入口按该值分派，
// 不做运行时类型判断。
type Algorithm string

const (
	AlgoSHA256  Algorithm = "sha256"
	AlgoBLAKE2b Algorithm = "blake2b"
	AlgoXXHash  Algorithm = "xxhash"
	AlgoDHash   Algorithm = "dhash"
	AlgoText    Algorithm = "text"

	// AlgoPerceptual 只是选择器：扫描时按文件扩展名解析为 AlgoDHash 或 AlgoText。
	// 它不会出现在 Fingerprint.Algorithm 中。
	AlgoPerceptual Algorithm = "perceptual"
)

// Class 是算法的大类（对应 exact-crypto / exact-fast / perceptual）。
type Class string

const (
	ClassExactCrypto Class = "exact-crypto"
	ClassExactFast   Class = "exact-fast"
	ClassPerceptual  Class = "perceptual"
)

// ErrUnknownAlgorithm 表示算法选择器无法识别（属于配置错误）。
var ErrUnknownAlgorithm = errors.New("unknown algorithm")

// DefaultAlgorithm 是未指定时使用的算法。
const DefaultAlgorithm = AlgoSHA256

func (a Algorithm) Class() Class {
	switch a {
	case AlgoSHA256, AlgoBLAKE2b:
		return ClassExactCrypto
	case AlgoXXHash:
		return ClassExactFast
	case AlgoDHash, AlgoText, AlgoPerceptual:
		return ClassPerceptual
	default:
		return ""
	}
}

// IsPerceptual 表示该算法产出的是近似指纹（需要距离比较，而不是只看相等）。
func (a Algorithm) IsPerceptual() bool { return a.Class() == ClassPerceptual }

func (a Algorithm) String() string { return string(a) }

// ParseAlgorithm 解析算法选择器。
//
// 除具体变体名外，还接受大类别名：crypto -> sha256，fast -> xxhash。
// 大小写与首尾空白不敏感；空串返回 DefaultAlgorithm。
func ParseAlgorithm(s string) (Algorithm, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return DefaultAlgorithm, nil
	case "sha256", "sha-256", "crypto", string(ClassExactCrypto):
		return AlgoSHA256, nil
	case "blake2b", "blake2":
		return AlgoBLAKE2b, nil
	case "xxhash", "xxh64", "fast", string(ClassExactFast):
		return AlgoXXHash, nil
	case "dhash", "image":
		return AlgoDHash, nil
	case "text":
		return AlgoText, nil
	case "perceptual", "phash":
		return AlgoPerceptual, nil
	default:
		return "", fmt.Errorf("%w：%q（可选 sha256|blake2b|xxhash|dhash|text|perceptual）", ErrUnknownAlgorithm, s)
	}
}
