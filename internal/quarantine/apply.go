package quarantine

import (
	"errors"
	"io/fs"

	"github.com/John-Robertt/dedup/internal/domain"
	"github.com/John-Robertt/dedup/internal/infra/fsx"
)

// Apply 串行执行移动计划，每个计划对应一条 MoveResult（顺序与输入一致）。
//
// 规划阶段已标记 Conflict 的计划不会执行；单个移动失败不影响后续计划。
func (m *Manager) Apply(plans []domain.MovePlan) []domain.MoveResult {
	out := make([]domain.MoveResult, 0, len(plans))
	for _, p := range plans {
		r := domain.MoveResult{Src: p.Src, Dst: p.Dst}
		if p.Conflict != "" {
			r.Status = domain.MoveStatusConflict
			r.ErrorCode = domain.ErrCodeQuarantineConflict
			r.ErrorMsg = (&CollisionError{Name: p.Name, Existing: p.Conflict}).Error()
			out = append(out, r)
			continue
		}

		dst, err := m.Quarantine(p.Src, p.Hash)
		if err != nil {
			r.Status, r.ErrorCode = classify(err)
			r.ErrorMsg = err.Error()
			out = append(out, r)
			continue
		}
		r.Dst = dst
		r.Status = domain.MoveStatusMoved
		out = append(out, r)
	}
	return out
}

// Planned 把计划原样转成 dry-run 结果（不触碰文件系统）。
func Planned(plans []domain.MovePlan) []domain.MoveResult {
	out := make([]domain.MoveResult, 0, len(plans))
	for _, p := range plans {
		r := domain.MoveResult{Src: p.Src, Dst: p.Dst, Status: domain.MoveStatusPlanned}
		if p.Conflict != "" {
			r.Status = domain.MoveStatusConflict
			r.ErrorCode = domain.ErrCodeQuarantineConflict
			r.ErrorMsg = (&CollisionError{Name: p.Name, Existing: p.Conflict}).Error()
		}
		out = append(out, r)
	}
	return out
}

func classify(err error) (status, code string) {
	switch {
	case errors.Is(err, ErrNameCollision):
		return domain.MoveStatusConflict, domain.ErrCodeQuarantineConflict
	case fsx.IsCrossDevice(err):
		return domain.MoveStatusFailed, domain.ErrCodeCrossDevice
	case errors.Is(err, fs.ErrNotExist):
		return domain.MoveStatusFailed, domain.ErrCodeNotFound
	default:
		return domain.MoveStatusFailed, domain.ErrCodeMoveFailed
	}
}
