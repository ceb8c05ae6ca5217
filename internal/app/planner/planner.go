package planner

import (
	"os"
	"path/filepath"

	"github.com/John-Robertt/dedup/internal/domain"
)

// ConflictExisting 表示目标名已被隔离目录中的现有文件占用。
const ConflictExisting = "existing"

// ReadQuarantineState 读取隔离目录的现状（只做 ReadDir，不读文件内容）。
// 若目录不存在，返回空状态且不报错。
func ReadQuarantineState(dir string) (domain.QuarantineState, error) {
	st := domain.QuarantineState{
		Dir:           dir,
		ExistingNames: map[string]struct{}{},
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return domain.QuarantineState{}, err
	}

	for _, e := range entries {
		st.ExistingNames[e.Name()] = struct{}{}
	}
	return st, nil
}

// PlanQuarantine 为每个组的重复项生成确定性的移动计划（不做任何写入/移动）。
//
// 冲突策略：拒绝并上报。目标名已被占用（现有文件，或同一批计划中更早的移动）时，
// 该计划的 Conflict 字段记录占用来源，执行阶段必须跳过；不会为其另起新名字。
func PlanQuarantine(groups []domain.DuplicateGroup, st domain.QuarantineState) []domain.MovePlan {
	used := make(map[string]string, len(st.ExistingNames))
	for n := range st.ExistingNames {
		used[n] = ConflictExisting
	}

	plans := make([]domain.MovePlan, 0, len(groups))
	for _, g := range groups {
		keeper := g.Keeper().Path
		for _, dup := range g.Duplicates() {
			name := filepath.Base(dup.Path) // 保留原文件名（含扩展名大小写）
			p := domain.MovePlan{
				Src:    dup.Path,
				Dst:    filepath.Join(st.Dir, name),
				Name:   name,
				Hash:   dup.Hash,
				Keeper: keeper,
			}
			if by, ok := used[name]; ok {
				p.Conflict = by
			} else {
				used[name] = dup.Path
			}
			plans = append(plans, p)
		}
	}
	return plans
}
