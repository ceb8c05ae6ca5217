package run

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/John-Robertt/dedup/internal/app"
	"github.com/John-Robertt/dedup/internal/app/planner"
	"github.com/John-Robertt/dedup/internal/config"
	"github.com/John-Robertt/dedup/internal/domain"
	"github.com/John-Robertt/dedup/internal/filter"
	"github.com/John-Robertt/dedup/internal/hasher"
	"github.com/John-Robertt/dedup/internal/quarantine"
	"github.com/John-Robertt/dedup/internal/scan"
)

// 命令名（同时写入 RunReport.Command）。
const (
	CommandFind       = "find"
	CommandScan       = "scan"
	CommandDupes      = "dupes"
	CommandQuarantine = "quarantine"
)

// Request 描述一次执行。
type Request struct {
	Command string
	Apply   bool // 仅对 quarantine 有意义：false = dry-run

	// 以下为可选注入（测试/上层定制）。
	Hasher  hasher.Hasher
	NoIndex bool
	Logger  *slog.Logger
}

// Execute 执行一次命令，并返回对外稳定的 RunReport。
//
// 该函数尽量把错误“降级”为逐文件/逐移动失败；只有根级失败写入 FatalCode。
func Execute(ctx context.Context, eff config.EffectiveConfig, req Request, obs Observer) domain.RunReport {
	if obs == nil {
		obs = nopObserver{}
	}
	obs.OnStart(req.Command, eff)

	rr := domain.RunReport{
		Command:   req.Command,
		Root:      eff.Root,
		Algorithm: string(eff.Algorithm),
		DryRun:    req.Command == CommandQuarantine && !req.Apply,
		StartedAt: time.Now().UTC(),
	}
	fatal := func(code string, err error) domain.RunReport {
		rr.FatalCode = code
		rr.FatalMsg = err.Error()
		rr.FinishedAt = time.Now().UTC()
		rr.Finalize()
		return rr
	}

	f, err := filter.New(eff.Filter)
	if err != nil {
		return fatal(domain.ErrCodeConfigInvalid, err)
	}

	if req.Command == CommandFind {
		return find(eff, f, &rr, obs)
	}

	sr := Scan(ctx, ScanOptions{
		Root:         eff.Root,
		Algorithm:    eff.Algorithm,
		Filter:       f,
		Exclude:      eff.Exclude,
		SkipDirs:     []string{eff.QuarantineDir},
		Concurrency:  eff.Concurrency,
		Hasher:       req.Hasher,
		MaxTextBytes: eff.MaxTextBytes,
		NoIndex:      req.NoIndex,
		Logger:       req.Logger,
	}, obs)
	rr.Skipped = sr.Skipped
	if sr.Err != nil {
		return fatal(sr.ErrCode, sr.Err)
	}

	rr.Files = make([]domain.FileEntry, 0, len(sr.Fingerprints))
	for _, fp := range sr.Fingerprints {
		rr.Files = append(rr.Files, domain.FileEntry{Path: fp.Path, Hash: fp.Hash})
	}
	if req.Command == CommandScan {
		rr.FinishedAt = time.Now().UTC()
		rr.Finalize()
		return rr
	}

	groupStarted := time.Now()
	groups := app.Group(sr.Fingerprints, eff.Similarity)
	rr.Groups = make([]domain.GroupResult, 0, len(groups))
	dups := 0
	for _, g := range groups {
		rr.Groups = append(rr.Groups, domain.NewGroupResult(g))
		dups += len(g.Duplicates())
	}
	obs.OnPhaseDone("group", map[string]any{
		"groups":     len(groups),
		"duplicates": dups,
	}, time.Since(groupStarted))

	if req.Command == CommandQuarantine {
		if err := quarantineGroups(eff, req, groups, &rr, obs); err != nil {
			return fatal(domain.ErrCodeQuarantineDir, err)
		}
	}

	rr.FinishedAt = time.Now().UTC()
	rr.Finalize()
	return rr
}

func find(eff config.EffectiveConfig, f filter.Filter, rr *domain.RunReport, obs Observer) domain.RunReport {
	started := time.Now()
	listed, err := scan.ListFiles(eff.Root, scan.Options{Exclude: eff.Exclude, SkipDirs: []string{eff.QuarantineDir}})
	if err != nil {
		rr.FatalCode = domain.ErrCodeRootUnreadable
		rr.FatalMsg = err.Error()
	} else {
		rr.Files = make([]domain.FileEntry, 0, len(listed.Files))
		for _, rec := range listed.Files {
			if f.Matches(rec) {
				rr.Files = append(rr.Files, domain.FileEntry{Path: rec.Path})
			}
		}
		for _, we := range listed.Errors {
			rr.Skipped = append(rr.Skipped, domain.SkippedFile{Path: we.Path, ErrorCode: domain.ErrCodeStatFailed, ErrorMsg: we.Err.Error()})
		}
		obs.OnPhaseDone("list", map[string]any{"files": len(listed.Files), "filtered": len(rr.Files)}, time.Since(started))
	}
	rr.FinishedAt = time.Now().UTC()
	rr.Finalize()
	return *rr
}

// quarantineGroups 规划并（apply 时）串行执行隔离；只在所有哈希完成后调用。
func quarantineGroups(eff config.EffectiveConfig, req Request, groups []domain.DuplicateGroup, rr *domain.RunReport, obs Observer) error {
	planStarted := time.Now()
	st, err := planner.ReadQuarantineState(eff.QuarantineDir)
	if err != nil {
		return fmt.Errorf("读取隔离目录失败：%w", err)
	}
	plans := planner.PlanQuarantine(groups, st)
	conflicts := 0
	for _, p := range plans {
		if p.Conflict != "" {
			conflicts++
		}
	}
	obs.OnPhaseDone("plan", map[string]any{
		"moves":     len(plans),
		"conflicts": conflicts,
	}, time.Since(planStarted))

	if !req.Apply {
		rr.Moves = quarantine.Planned(plans)
		return nil
	}

	m, err := quarantine.Open(eff.QuarantineDir)
	if err != nil {
		return err
	}
	defer m.Close()

	execStarted := time.Now()
	rr.Moves = make([]domain.MoveResult, 0, len(plans))
	for i, p := range plans {
		res := m.Apply([]domain.MovePlan{p})[0]
		rr.Moves = append(rr.Moves, res)
		obs.OnMoveDone(i+1, len(plans), res)
	}
	obs.OnPhaseDone("quarantine", map[string]any{"moves": len(plans)}, time.Since(execStarted))
	return nil
}
