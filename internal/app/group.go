package app

import (
	"sort"

	"github.com/John-Robertt/dedup/internal/domain"
	"github.com/John-Robertt/dedup/internal/hasher"
)

type groupKey struct {
	algo domain.Algorithm
	hash string
}

// GroupExact 把指纹按 (Algorithm, Hash) 分组，只保留成员数 > 1 的组。
//
// - 组内成员按 Seq 升序，Members[0] 为 keeper
// - 组之间按 keeper 的 Seq 升序
func GroupExact(fps []domain.Fingerprint) []domain.DuplicateGroup {
	index := make(map[groupKey]int, len(fps))
	buckets := make([]domain.DuplicateGroup, 0, 64)

	for _, fp := range fps {
		k := groupKey{algo: fp.Algorithm, hash: fp.Hash}
		if idx, ok := index[k]; ok {
			buckets[idx].Members = append(buckets[idx].Members, fp)
			continue
		}
		index[k] = len(buckets)
		buckets = append(buckets, domain.DuplicateGroup{
			Algorithm: fp.Algorithm,
			Hash:      fp.Hash,
			Members:   []domain.Fingerprint{fp},
		})
	}

	out := make([]domain.DuplicateGroup, 0, len(buckets))
	for _, g := range buckets {
		if len(g.Members) < 2 {
			continue
		}
		domain.SortBySeq(g.Members)
		out = append(out, g)
	}
	sortGroups(out)
	return out
}

// GroupNear 对近似指纹（dhash/text）做相似合并：两两比较，相似关系取传递闭包。
//
// 约束：
// - 只比较同一变体的指纹；精确算法的指纹被忽略
// - Hash 取 keeper 的指纹；组一律 Near=true（dhash 相等不代表像素相同，text 只比较前缀）
func GroupNear(fps []domain.Fingerprint, th hasher.Thresholds) []domain.DuplicateGroup {
	byAlgo := make(map[domain.Algorithm][]domain.Fingerprint, 2)
	algos := make([]domain.Algorithm, 0, 2)
	for _, fp := range fps {
		if !fp.Algorithm.IsPerceptual() {
			continue
		}
		if _, ok := byAlgo[fp.Algorithm]; !ok {
			algos = append(algos, fp.Algorithm)
		}
		byAlgo[fp.Algorithm] = append(byAlgo[fp.Algorithm], fp)
	}

	out := make([]domain.DuplicateGroup, 0, 16)
	for _, algo := range algos {
		out = append(out, clusterSimilar(byAlgo[algo], th)...)
	}
	sortGroups(out)
	return out
}

// Group 是分组入口：精确指纹只做相等分组，近似指纹走 GroupNear。
func Group(fps []domain.Fingerprint, th hasher.Thresholds) []domain.DuplicateGroup {
	exact := make([]domain.Fingerprint, 0, len(fps))
	near := make([]domain.Fingerprint, 0)
	for _, fp := range fps {
		if fp.Algorithm.IsPerceptual() {
			near = append(near, fp)
		} else {
			exact = append(exact, fp)
		}
	}

	out := GroupExact(exact)
	if len(near) > 0 {
		out = append(out, GroupNear(near, th)...)
		sortGroups(out)
	}
	return out
}

func clusterSimilar(fps []domain.Fingerprint, th hasher.Thresholds) []domain.DuplicateGroup {
	uf := newUnionFind(len(fps))
	for i := 0; i < len(fps); i++ {
		for j := i + 1; j < len(fps); j++ {
			if uf.find(i) == uf.find(j) {
				continue
			}
			if hasher.Similar(fps[i], fps[j], th) {
				uf.union(i, j)
			}
		}
	}

	comps := make(map[int][]domain.Fingerprint, len(fps))
	roots := make([]int, 0, len(fps))
	for i, fp := range fps {
		r := uf.find(i)
		if _, ok := comps[r]; !ok {
			roots = append(roots, r)
		}
		comps[r] = append(comps[r], fp)
	}

	out := make([]domain.DuplicateGroup, 0, len(roots))
	for _, r := range roots {
		members := comps[r]
		if len(members) < 2 {
			continue
		}
		domain.SortBySeq(members)
		out = append(out, domain.DuplicateGroup{
			Algorithm: members[0].Algorithm,
			Hash:      members[0].Hash,
			Near:      true,
			Members:   members,
		})
	}
	return out
}

func sortGroups(gs []domain.DuplicateGroup) {
	sort.SliceStable(gs, func(i, j int) bool { return gs[i].Keeper().Seq < gs[j].Keeper().Seq })
}

// unionFind 带路径压缩与按秩合并。
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	u := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range u.parent {
		u.parent[i] = i
	}
	return u
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}
