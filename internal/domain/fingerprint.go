package domain

import "sort"

// Fingerprint 是某个文件在某个算法下的内容指纹。
//
// 精确重复的唯一判定标准：同一 Algorithm 下 Hash 相等。
// Seq/Size 随指纹一起穿过并行哈希阶段，保证分组阶段能按发现顺序选 keeper。
type Fingerprint struct {
	Path      string    `json:"path"`
	Hash      string    `json:"hash"`
	Algorithm Algorithm `json:"algorithm"`
	Seq       int       `json:"-"`
	Size      uint64    `json:"-"`
}

// SortBySeq 按发现顺序原地稳定排序。
func SortBySeq(fps []Fingerprint) {
	sort.SliceStable(fps, func(i, j int) bool { return fps[i].Seq < fps[j].Seq })
}

// DuplicateGroup 是一组重复文件。Members 按 Seq 升序，Members[0] 即 keeper。
//
// Near=true 表示该组来自近似指纹（dhash/text），不保证成员字节相同；
// 即使成员指纹完全相等也如此。Hash 取 keeper 的指纹。
type DuplicateGroup struct {
	Algorithm Algorithm
	Hash      string
	Near      bool
	Members   []Fingerprint
}

func (g DuplicateGroup) Keeper() Fingerprint { return g.Members[0] }

// Duplicates 返回除 keeper 外的所有成员（即隔离候选）。
func (g DuplicateGroup) Duplicates() []Fingerprint {
	if len(g.Members) < 2 {
		return nil
	}
	return g.Members[1:]
}

// Wasted 是删除重复项后可以回收的字节数（按各重复项自身大小累加）。
func (g DuplicateGroup) Wasted() uint64 {
	var n uint64
	for _, m := range g.Duplicates() {
		n += m.Size
	}
	return n
}
