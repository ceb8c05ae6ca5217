package domain

import (
	"encoding/json"
	"sort"
	"time"
)

const (
	MoveStatusPlanned  = "planned"
	MoveStatusMoved    = "moved"
	MoveStatusConflict = "conflict"
	MoveStatusFailed   = "failed"
)

const (
	ErrCodeStatFailed         = "stat_failed"
	ErrCodeHashFailed         = "hash_failed"
	ErrCodeQuarantineConflict = "quarantine_conflict"
	ErrCodeCrossDevice        = "cross_device"
	ErrCodeMoveFailed         = "move_failed"
	ErrCodeNotFound           = "not_found"
	ErrCodeRootUnreadable     = "root_unreadable"
	ErrCodeIndexFailed        = "index_failed"
	ErrCodeQuarantineDir      = "quarantine_dir_failed"
	ErrCodeConfigInvalid      = "config_invalid"
)

// FileEntry 是交给报告方的最小记录。字段名属于对外契约，不得改动。
type FileEntry struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// RunReport 是对外稳定输出（stdout JSON / report 文件）的结构。
type RunReport struct {
	Command   string `json:"command"`
	Root      string `json:"root"`
	Algorithm string `json:"algorithm"`
	DryRun    bool   `json:"dry_run"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Summary ReportSummary `json:"summary"`

	Files   []FileEntry   `json:"files"`
	Groups  []GroupResult `json:"groups"`
	Skipped []SkippedFile `json:"skipped"`
	Moves   []MoveResult  `json:"moves"`

	// FatalCode/FatalMsg 非空表示根级失败（无法打开根目录、无法创建隔离目录等）。
	FatalCode string `json:"fatal_code,omitempty"`
	FatalMsg  string `json:"fatal_msg,omitempty"`
}

type ReportSummary struct {
	Files       int    `json:"files"`
	Groups      int    `json:"groups"`
	Duplicates  int    `json:"duplicates"`
	WastedBytes uint64 `json:"wasted_bytes"`
	Skipped     int    `json:"skipped"`
	Moved       int    `json:"moved"`
	Conflicts   int    `json:"conflicts"`
	Failed      int    `json:"failed"`
}

type GroupResult struct {
	Algorithm  string   `json:"algorithm"`
	Hash       string   `json:"hash"`
	Near       bool     `json:"near"`
	Keeper     string   `json:"keeper"`
	Size       uint64   `json:"size"` // keeper 的大小
	Duplicates []string `json:"duplicates"`
	Wasted     uint64   `json:"wasted_bytes"`
}

// SkippedFile 是逐文件的软失败：文件不计入结果，但必须单独上报。
type SkippedFile struct {
	Path      string `json:"path"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
}

type MoveResult struct {
	Src       string `json:"src"`
	Dst       string `json:"dst"`
	Status    string `json:"status"`
	ErrorCode string `json:"error_code,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`
}

// NewGroupResult 把分组结果转换为报告条目。
func NewGroupResult(g DuplicateGroup) GroupResult {
	dups := make([]string, 0, len(g.Members)-1)
	for _, m := range g.Duplicates() {
		dups = append(dups, m.Path)
	}
	return GroupResult{
		Algorithm:  string(g.Algorithm),
		Hash:       g.Hash,
		Near:       g.Near,
		Keeper:     g.Keeper().Path,
		Size:       g.Keeper().Size,
		Duplicates: dups,
		Wasted:     g.Wasted(),
	}
}

// Finalize 做三件事：
// 1) 时间统一为 UTC（确保 JSON 为 RFC3339 且后缀 Z）
// 2) files/skipped 按路径字典序稳定排序；groups/moves 保持分组阶段给出的顺序
// 3) summary 由明细计算得出
func (r *RunReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	if r.Files == nil {
		r.Files = []FileEntry{}
	}
	if r.Groups == nil {
		r.Groups = []GroupResult{}
	}
	if r.Skipped == nil {
		r.Skipped = []SkippedFile{}
	}
	if r.Moves == nil {
		r.Moves = []MoveResult{}
	}

	sort.SliceStable(r.Files, func(i, j int) bool { return r.Files[i].Path < r.Files[j].Path })
	sort.SliceStable(r.Skipped, func(i, j int) bool { return r.Skipped[i].Path < r.Skipped[j].Path })

	s := ReportSummary{
		Files:   len(r.Files),
		Groups:  len(r.Groups),
		Skipped: len(r.Skipped),
	}
	for _, g := range r.Groups {
		s.Duplicates += len(g.Duplicates)
		s.WastedBytes += g.Wasted
	}
	for _, m := range r.Moves {
		switch m.Status {
		case MoveStatusMoved:
			s.Moved++
		case MoveStatusConflict:
			s.Conflicts++
		case MoveStatusFailed:
			s.Failed++
		}
	}
	r.Summary = s
}

// HasSoftFailures 表示存在逐文件失败（跳过的文件、冲突或失败的移动）。
func (r RunReport) HasSoftFailures() bool {
	return r.Summary.Skipped > 0 || r.Summary.Conflicts > 0 || r.Summary.Failed > 0
}

// MarshalJSON 仅用于集中约束输出的稳定性（避免未来不小心引入非确定字段）。
// 当前只是透传 encoding/json 的默认行为。
func (r RunReport) MarshalJSON() ([]byte, error) {
	type Alias RunReport
	return json.Marshal(Alias(r))
}
