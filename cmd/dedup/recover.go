package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/dedup/internal/quarantine"
)

func newRecoverCmd(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	var (
		dest     string
		original bool
	)
	cmd := &cobra.Command{
		Use:   "recover NAME...",
		Short: "把隔离目录中的文件移回（默认移到当前目录）",
		Long: `recover 把隔离目录中名为 NAME 的文件移出：
  --dest DIR   移到 DIR/NAME（默认当前目录）
  --original   按清单移回隔离前的原始路径

目标已存在时拒绝恢复，不会覆盖任何文件。`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd, g, "", stderr)
			if err != nil {
				return &exitError{code: exitUsage, err: err}
			}
			defer sess.close()

			if dest == "" {
				if dest, err = os.Getwd(); err != nil {
					return &exitError{code: exitFailure, err: err}
				}
			}

			m, err := quarantine.Open(sess.eff.QuarantineDir)
			if err != nil {
				return &exitError{code: exitFailure, err: err}
			}
			defer m.Close()

			failed := 0
			for _, name := range args {
				var dst string
				if original {
					dst, err = m.RecoverOriginal(name)
				} else {
					dst, err = m.Recover(name, dest)
				}
				if err != nil && dst == "" {
					failed++
					sess.log.Warn("恢复失败", "name", name, "err", err)
					fmt.Fprintf(stderr, "%s %s: %v\n", name, recoverErrorCode(err), err)
					continue
				}
				if err != nil {
					sess.log.Warn("恢复完成，但清单未更新", "name", name, "err", err)
				}
				fmt.Fprintf(stdout, "recovered %s -> %s\n", name, dst)
			}
			if failed > 0 {
				return &exitError{code: exitFailure}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dest, "dest", "", "恢复到该目录（默认当前目录）")
	cmd.Flags().BoolVar(&original, "original", false, "按清单恢复到原始路径")
	cmd.MarkFlagsMutuallyExclusive("dest", "original")
	return cmd
}

func recoverErrorCode(err error) string {
	switch {
	case errors.Is(err, quarantine.ErrNotFound), errors.Is(err, quarantine.ErrNoOriginal):
		return "not_found"
	case errors.Is(err, quarantine.ErrDestinationExists):
		return "destination_exists"
	default:
		return "move_failed"
	}
}

func newListCmd(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "列出隔离目录中的文件及其原始路径",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd, g, "", stderr)
			if err != nil {
				return &exitError{code: exitUsage, err: err}
			}
			defer sess.close()

			entries := []quarantine.Entry{}
			// 隔离目录不存在时视为空，不为了 list 去创建它。
			if _, err := os.Stat(sess.eff.QuarantineDir); err == nil {
				m, err := quarantine.Open(sess.eff.QuarantineDir)
				if err != nil {
					return &exitError{code: exitFailure, err: err}
				}
				entries, err = m.List()
				_ = m.Close()
				if err != nil {
					return &exitError{code: exitFailure, err: err}
				}
			} else if !os.IsNotExist(err) {
				return &exitError{code: exitFailure, err: err}
			}

			if g.forceJSON || !isTTY(stdout) {
				writeJSON(stdout, entries)
				return nil
			}
			tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tORIGINAL\tQUARANTINED")
			for _, e := range entries {
				when := "-"
				if !e.QuarantinedAt.IsZero() {
					when = e.QuarantinedAt.Local().Format(time.DateTime)
				}
				orig := e.Original
				if orig == "" {
					orig = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Name, orig, when)
			}
			_ = tw.Flush()
			fmt.Fprintf(stderr, "共 %d 个文件：%s\n", len(entries), sess.eff.QuarantineDir)
			return nil
		},
	}
}
