package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/John-Robertt/dedup/internal/app/run"
	"github.com/John-Robertt/dedup/internal/config"
	"github.com/John-Robertt/dedup/internal/domain"
	"github.com/John-Robertt/dedup/internal/infra/logx"
	"github.com/John-Robertt/dedup/internal/infra/metrics"
	"github.com/John-Robertt/dedup/internal/report"
)

// 退出码（对外契约）。
const (
	exitOK      = 0
	exitFailure = 1 // 存在逐文件失败，或根级失败
	exitUsage   = 2 // 参数/配置错误
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// exitError 携带退出码；Err 为空表示输出已经处理完毕。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "错误：%v\n", ee.err)
		}
		return ee.code
	}
	// cobra 自身的参数解析错误。
	fmt.Fprintf(stderr, "参数错误：%v\n", err)
	fmt.Fprintf(stderr, "使用 \"%s --help\" 查看用法。\n", root.CommandPath())
	return exitUsage
}

// globalFlags 是所有子命令共享的选项。
type globalFlags struct {
	configFile  string
	metricsFile string
	noIndex     bool
	forceJSON   bool
}

// flagKeys 把命令行 flag 映射到配置键；只有显式指定的 flag 才会覆盖配置。
var flagKeys = map[string]string{
	"algorithm":      config.KeyAlgorithm,
	"min-size":       config.KeyMinSize,
	"max-size":       config.KeyMaxSize,
	"ext":            config.KeyExt,
	"pattern":        config.KeyPattern,
	"since":          config.KeySince,
	"concurrency":    config.KeyConcurrency,
	"exclude":        config.KeyExclude,
	"quarantine-dir": config.KeyQuarantineDir,
	"max-hamming":    config.KeyMaxHamming,
	"max-edit":       config.KeyMaxEdit,
	"max-text-bytes": config.KeyMaxTextBytes,
	"log-file":       config.KeyLogFile,
	"log-level":      config.KeyLogLevel,
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "dedup",
		Short: "查找重复文件，并把多余副本移入可恢复的隔离目录",
		Long: `dedup 遍历目录树，按内容指纹（sha256/blake2b/xxhash，或图片/文本的近似指纹）
找出重复文件。每组保留遍历顺序最靠前的一个，其余副本可以移入隔离目录，随时恢复。

quarantine 默认只做演练（dry-run），加 --apply 才会真正移动文件。`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configFile, "config", "c", "", "配置文件路径（默认读取 <root>/dedup.{yaml,json,toml}）")
	pf.String("log-level", "", "日志级别：debug|info|warn|error")
	pf.String("log-file", "", "额外写入滚动日志文件")
	pf.StringVar(&g.metricsFile, "metrics-file", "", "结束时把 Prometheus 指标写入该文件（textfile 格式）")
	pf.BoolVar(&g.forceJSON, "json", false, "即使 stdout 是终端也输出 JSON")
	pf.String("quarantine-dir", "", "隔离目录（默认 "+config.DefaultQuarantineDir+"）")

	root.AddCommand(
		newFindCmd(g, stdout, stderr),
		newScanCmd(g, stdout, stderr),
		newDupesCmd(g, stdout, stderr),
		newQuarantineCmd(g, stdout, stderr),
		newRecoverCmd(g, stdout, stderr),
		newListCmd(g, stdout, stderr),
	)
	return root
}

// addFilterFlags 注册过滤条件（find 也需要）。
func addFilterFlags(fs *pflag.FlagSet) {
	fs.String("min-size", "", "最小文件大小（如 4KB、10MiB）")
	fs.String("max-size", "", "最大文件大小（0 = 不限）")
	fs.String("ext", "", "只处理该扩展名（大小写不敏感：--ext jpg 也匹配 .JPG；前导 '.' 可省略）")
	fs.String("pattern", "", "路径需匹配的正则表达式")
	fs.String("since", "", "只处理该时间之后修改的文件（RFC3339 或 YYYY-MM-DD）")
	fs.StringSlice("exclude", nil, "排除的路径模式（doublestar 语法，可重复）")
}

// addHashFlags 注册哈希与近似判定相关选项。
func addHashFlags(fs *pflag.FlagSet, g *globalFlags) {
	fs.StringP("algorithm", "a", "", "指纹算法：sha256|blake2b|xxhash|dhash|text|perceptual")
	fs.IntP("concurrency", "j", 0, "哈希并发数（默认 CPU 核数，上限 64）")
	fs.Int("max-hamming", 0, "dhash 近似阈值（位差）")
	fs.Int("max-edit", 0, "text 近似阈值（编辑距离）")
	fs.Int64("max-text-bytes", 0, "text 指纹读取的最大字节数")
	fs.BoolVar(&g.noIndex, "no-index", false, "不读写新鲜度索引（每个文件都重新哈希）")
}

func newFindCmd(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "find [root]",
		Short: "列出 root 下所有通过过滤条件的普通文件",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, g, pipeline{command: run.CommandFind}, args, stdout, stderr)
		},
	}
	addFilterFlags(cmd.Flags())
	return cmd
}

func newScanCmd(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	p := &pipeline{command: run.CommandScan}
	cmd := &cobra.Command{
		Use:   "scan [root]",
		Short: "计算每个文件的指纹（命中索引的文件不重新哈希）",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, g, *p, args, stdout, stderr)
		},
	}
	addFilterFlags(cmd.Flags())
	addHashFlags(cmd.Flags(), g)
	addReportFlags(cmd.Flags(), p)
	return cmd
}

func newDupesCmd(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	p := &pipeline{command: run.CommandDupes}
	cmd := &cobra.Command{
		Use:   "dupes [root]",
		Short: "按指纹分组，列出重复文件（每组第一个为保留项）",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, g, *p, args, stdout, stderr)
		},
	}
	addFilterFlags(cmd.Flags())
	addHashFlags(cmd.Flags(), g)
	addReportFlags(cmd.Flags(), p)
	return cmd
}

func newQuarantineCmd(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	p := &pipeline{command: run.CommandQuarantine}
	cmd := &cobra.Command{
		Use:   "quarantine [root]",
		Short: "把每组中除保留项外的副本移入隔离目录（默认 dry-run）",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, g, *p, args, stdout, stderr)
		},
	}
	addFilterFlags(cmd.Flags())
	addHashFlags(cmd.Flags(), g)
	addReportFlags(cmd.Flags(), p)
	cmd.Flags().BoolVar(&p.apply, "apply", false, "真正执行移动（默认只输出计划）")
	return cmd
}

func addReportFlags(fs *pflag.FlagSet, p *pipeline) {
	fs.StringVar(&p.jsonOut, "json-out", "", "把 [{path, hash}] 写入该 JSON 文件")
	fs.StringVar(&p.htmlOut, "html-out", "", "把分组结果写入该 HTML 报告")
}

// pipeline 描述一次 find/scan/dupes/quarantine 执行。
type pipeline struct {
	command string
	apply   bool
	jsonOut string
	htmlOut string
}

func runPipeline(cmd *cobra.Command, g *globalFlags, p pipeline, args []string, stdout, stderr io.Writer) error {
	rootArg := ""
	if len(args) > 0 {
		rootArg = args[0]
	}

	sess, err := openSession(cmd, g, rootArg, stderr)
	if err != nil {
		emitReport(stdout, stderr, g.forceJSON, configErrorReport(p, rootArg, err))
		return &exitError{code: exitUsage}
	}
	defer sess.close()

	var observers []run.Observer
	if w, ok := progressWriter(stdout, stderr); ok {
		observers = append(observers, newProgressUI(w))
	}
	var mc *metrics.Collector
	if g.metricsFile != "" {
		mc = metrics.New()
		observers = append(observers, mc)
	}

	rr := run.Execute(cmd.Context(), sess.eff, run.Request{
		Command: p.command,
		Apply:   p.apply,
		NoIndex: g.noIndex,
		Logger:  sess.log,
	}, run.Multi(observers...))

	code := exitOK
	if rr.FatalCode != "" || rr.HasSoftFailures() {
		code = exitFailure
	}

	if rr.FatalCode == "" {
		if p.jsonOut != "" {
			if err := report.SaveJSON(p.jsonOut, rr.Files); err != nil {
				sess.log.Error("写入 JSON 报告失败", "path", p.jsonOut, "err", err)
				code = exitFailure
			}
		}
		if p.htmlOut != "" {
			if err := report.SaveHTML(p.htmlOut, rr); err != nil {
				sess.log.Error("写入 HTML 报告失败", "path", p.htmlOut, "err", err)
				code = exitFailure
			}
		}
	}
	if mc != nil {
		if err := mc.WriteTextfile(g.metricsFile); err != nil {
			sess.log.Error("写入指标文件失败", "path", g.metricsFile, "err", err)
			code = exitFailure
		}
	}

	emitReport(stdout, stderr, g.forceJSON, rr)
	if code != exitOK {
		return &exitError{code: code}
	}
	return nil
}

// session 是一次命令执行的公共上下文：生效配置 + logger。
type session struct {
	eff    config.EffectiveConfig
	log    *slog.Logger
	closer io.Closer
}

func (s *session) close() {
	if s.closer != nil {
		_ = s.closer.Close()
	}
}

func openSession(cmd *cobra.Command, g *globalFlags, rootArg string, stderr io.Writer) (*session, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, &config.Error{Code: config.ErrCodeInvalid, Err: err}
	}

	eff, err := config.LoadEffective(cwd, config.CLIArgs{
		Root:       rootArg,
		ConfigFile: g.configFile,
		Overrides:  overrides(cmd.Flags()),
	})
	if err != nil {
		return nil, err
	}

	log, closer, err := logx.New(logx.Options{Level: eff.LogLevel, File: eff.LogFile, Console: stderr})
	if err != nil {
		return nil, &config.Error{Code: config.ErrCodeInvalid, Path: eff.LogFile, Err: err}
	}
	log.Debug("生效配置", "root", eff.Root, "config", eff.ConfigFile, "algorithm", eff.Algorithm,
		"concurrency", eff.Concurrency, "quarantine_dir", eff.QuarantineDir)
	return &session{eff: eff, log: log, closer: closer}, nil
}

// overrides 只收集命令行上显式指定的 flag（包括继承的全局 flag）。
func overrides(fs *pflag.FlagSet) map[string]any {
	out := map[string]any{}
	fs.Visit(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return
		}
		switch f.Value.Type() {
		case "stringSlice":
			v, _ := fs.GetStringSlice(f.Name)
			out[key] = v
		case "int":
			v, _ := fs.GetInt(f.Name)
			out[key] = v
		case "int64":
			v, _ := fs.GetInt64(f.Name)
			out[key] = v
		default:
			out[key] = f.Value.String()
		}
	})
	return out
}

func configErrorReport(p pipeline, rootArg string, err error) domain.RunReport {
	now := time.Now().UTC()
	code := config.Code(err)
	if code == "" {
		code = domain.ErrCodeConfigInvalid
	}
	rr := domain.RunReport{
		Command:    p.command,
		Root:       rootArg,
		DryRun:     p.command == run.CommandQuarantine && !p.apply,
		StartedAt:  now,
		FinishedAt: now,
		FatalCode:  code,
		FatalMsg:   err.Error(),
	}
	rr.Finalize()
	return rr
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
