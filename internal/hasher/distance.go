package hasher

import (
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/John-Robertt/dedup/internal/domain"
	"github.com/John-Robertt/dedup/internal/infra/imgx"
)

// Thresholds 是近似判定的阈值；距离 <= 阈值即视为相似。
type Thresholds struct {
	MaxHamming int // dhash 位差
	MaxEdit    int // text 编辑距离（按 rune 计）
}

// DefaultThresholds 与配置默认值一致。
var DefaultThresholds = Thresholds{MaxHamming: 10, MaxEdit: 8}

// Hamming 返回两个 dhash（16 位 hex）之间的位差；任一无法解析时 ok=false。
func Hamming(a, b string) (d int, ok bool) {
	x, err := imgx.ParseHash(a)
	if err != nil {
		return 0, false
	}
	y, err := imgx.ParseHash(b)
	if err != nil {
		return 0, false
	}
	return imgx.Hamming(x, y), true
}

// EditDistance 返回两段文本的 Levenshtein 距离（按 rune 计）。
func EditDistance(a, b string) int {
	return levenshtein.ComputeDistance(a, b)
}

// Similar 判定两个同算法指纹是否近似。
//
// 约束：
// - 不同算法的指纹永远不相似
// - 精确算法退化为相等比较
func Similar(a, b domain.Fingerprint, t Thresholds) bool {
	if a.Algorithm != b.Algorithm {
		return false
	}
	if a.Hash == b.Hash {
		return true
	}
	switch a.Algorithm {
	case domain.AlgoDHash:
		d, ok := Hamming(a.Hash, b.Hash)
		return ok && d <= t.MaxHamming
	case domain.AlgoText:
		// 长度差本身就是编辑距离下界，先剪枝避免 O(n*m) 计算。
		diff := utf8.RuneCountInString(a.Hash) - utf8.RuneCountInString(b.Hash)
		if diff < 0 {
			diff = -diff
		}
		if diff > t.MaxEdit {
			return false
		}
		return EditDistance(a.Hash, b.Hash) <= t.MaxEdit
	default:
		return false
	}
}
