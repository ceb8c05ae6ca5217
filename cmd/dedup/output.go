package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/John-Robertt/dedup/internal/app/run"
	"github.com/John-Robertt/dedup/internal/domain"
)

// emitReport 输出最终结果。
//
// 约束：
// - stdout 非 TTY（或 --json）：stdout 必须且仅输出一个 RunReport JSON；摘要走 stderr
// - stdout 是 TTY：输出人类可读的明细，失败明细与摘要走 stderr
func emitReport(stdout, stderr io.Writer, forceJSON bool, rr domain.RunReport) {
	if forceJSON || !isTTY(stdout) {
		writeJSON(stdout, rr)
		fmt.Fprintln(stderr, summaryLine(rr))
		return
	}

	switch rr.Command {
	case run.CommandFind:
		for _, f := range rr.Files {
			fmt.Fprintln(stdout, f.Path)
		}
	case run.CommandScan:
		for _, f := range rr.Files {
			fmt.Fprintf(stdout, "%s  %s\n", truncate(f.Hash, 64), f.Path)
		}
	case run.CommandDupes:
		printGroups(stdout, rr.Groups)
	case run.CommandQuarantine:
		printGroups(stdout, rr.Groups)
		for _, m := range rr.Moves {
			line := fmt.Sprintf("%-9s %s -> %s", m.Status, m.Src, m.Dst)
			if m.ErrorCode != "" {
				line += fmt.Sprintf(" (%s: %s)", m.ErrorCode, truncate(m.ErrorMsg, 160))
			}
			fmt.Fprintln(stdout, line)
		}
		if rr.DryRun && len(rr.Moves) > 0 {
			fmt.Fprintln(stdout, "\n以上为演练结果；加 --apply 执行移动。")
		}
	}

	for _, s := range rr.Skipped {
		fmt.Fprintf(stderr, "%s %s: %s\n", s.Path, s.ErrorCode, truncate(s.ErrorMsg, 160))
	}
	if rr.FatalCode != "" {
		fmt.Fprintf(stderr, "失败：%s: %s\n", rr.FatalCode, rr.FatalMsg)
	}
	fmt.Fprintln(stderr, summaryLine(rr))
}

func printGroups(w io.Writer, groups []domain.GroupResult) {
	for i, g := range groups {
		kind := ""
		if g.Near {
			kind = " near"
		}
		fmt.Fprintf(w, "# %d %s%s (%s 可回收)\n", i+1, g.Algorithm, kind, humanize.IBytes(g.Wasted))
		fmt.Fprintf(w, "  keep %s (%s)\n", g.Keeper, humanize.IBytes(g.Size))
		for _, d := range g.Duplicates {
			fmt.Fprintf(w, "  dup  %s\n", d)
		}
	}
}

func summaryLine(rr domain.RunReport) string {
	s := rr.Summary
	switch rr.Command {
	case run.CommandFind, run.CommandScan:
		return fmt.Sprintf("完成：files=%d skipped=%d", s.Files, s.Skipped)
	case run.CommandQuarantine:
		return fmt.Sprintf("完成：files=%d groups=%d duplicates=%d reclaimable=%s skipped=%d moved=%d conflicts=%d failed=%d",
			s.Files, s.Groups, s.Duplicates, humanize.IBytes(s.WastedBytes), s.Skipped, s.Moved, s.Conflicts, s.Failed,
		)
	default:
		return fmt.Sprintf("完成：files=%d groups=%d duplicates=%d reclaimable=%s skipped=%d",
			s.Files, s.Groups, s.Duplicates, humanize.IBytes(s.WastedBytes), s.Skipped,
		)
	}
}

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// progressWriter 选择进度输出位置：只在交互终端启用，默认走 stderr（不污染 stdout JSON）。
func progressWriter(stdout, stderr io.Writer) (io.Writer, bool) {
	if isTTY(stderr) {
		return stderr, true
	}
	// 仅重定向 stderr 时 stdout 仍是 TTY：退化输出到 stdout。
	if isTTY(stdout) {
		return stdout, true
	}
	return nil, false
}
