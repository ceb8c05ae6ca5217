package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/John-Robertt/dedup/internal/domain"
	"github.com/John-Robertt/dedup/internal/filter"
	"github.com/John-Robertt/dedup/internal/hasher"
)

const (
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
	// ErrCodeBadPattern 表示路径正则或排除模式不合法。
	ErrCodeBadPattern = "config_bad_pattern"
	// ErrCodeBadAlgorithm 表示算法选择器无法识别。
	ErrCodeBadAlgorithm = "config_bad_algorithm"
	// ErrCodeRootMissing 表示扫描根目录不存在或不是目录。
	ErrCodeRootMissing = "config_root_missing"
)

// 配置键（同时是配置文件字段名；环境变量为 DEDUP_ + 大写，'.' 换成 '_'）。
const (
	KeyAlgorithm     = "algorithm"
	KeyMinSize       = "min_size"
	KeyMaxSize       = "max_size"
	KeyExt           = "ext"
	KeyPattern       = "pattern"
	KeySince         = "since"
	KeyConcurrency   = "concurrency"
	KeyExclude       = "exclude"
	KeyQuarantineDir = "quarantine_dir"
	KeyMaxHamming    = "similarity.max_hamming"
	KeyMaxEdit       = "similarity.max_edit"
	KeyMaxTextBytes  = "similarity.max_text_bytes"
	KeyLogFile       = "log_file"
	KeyLogLevel      = "log_level"
)

const (
	// FileName 是根目录下可选配置文件的名字（不含扩展名；支持 yaml/json/toml）。
	FileName = "dedup"
	// EnvPrefix 是环境变量前缀。
	EnvPrefix = "DEDUP"
	// DefaultQuarantineDir 是隔离目录的默认值。
	DefaultQuarantineDir = "~/.dedup/quarantine"
	// MaxConcurrency 是并发上限；超出截断。
	MaxConcurrency = 64
)

// CLIArgs 是命令行入口。Overrides 只包含命令行上显式指定的字段，
// 这能保证覆盖优先级可实现：例如 --min-size 0 必须能覆盖配置文件里的 min_size。
type CLIArgs struct {
	Root       string
	ConfigFile string
	Overrides  map[string]any
}

// EffectiveConfig 是合并并做最小规范化后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	Root       string
	ConfigFile string // 实际读取的配置文件；未读取时为空

	Algorithm     domain.Algorithm
	Filter        filter.Options
	Concurrency   int
	Exclude       []string
	QuarantineDir string
	Similarity    hasher.Thresholds
	MaxTextBytes  int64

	LogFile  string
	LogLevel string
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.Err != nil:
		return fmt.Sprintf("%s：%q：%v", e.Code, e.Path, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s：%v", e.Code, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s：%q", e.Code, e.Path)
	default:
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 发现并读取配置，然后与 CLI 参数合并为最终配置。
//
// 发现规则（固定）：
// - CLI 指定了配置文件：必须能读取
// - 否则尝试 <root>/dedup.{yaml,yml,json,toml}（可选）
//
// 覆盖优先级（固定）：CLI > 环境变量 DEDUP_* > 配置文件 > 默认值。
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	root := cwdAbs
	if strings.TrimSpace(cli.Root) != "" {
		root = absCleanFrom(cwdAbs, cli.Root)
	}
	if fi, err := os.Stat(root); err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeRootMissing, Path: root, Err: err}
	} else if !fi.IsDir() {
		return EffectiveConfig{}, &Error{Code: ErrCodeRootMissing, Path: root, Err: errors.New("不是目录")}
	}

	v := newViper()
	if strings.TrimSpace(cli.ConfigFile) != "" {
		v.SetConfigFile(absCleanFrom(cwdAbs, cli.ConfigFile))
	} else {
		v.AddConfigPath(root)
		v.SetConfigName(FileName)
	}
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: v.ConfigFileUsed(), Err: err}
		}
	}
	for k, val := range cli.Overrides {
		v.Set(k, val)
	}

	return merge(v, cwdAbs, root)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyAlgorithm, string(domain.DefaultAlgorithm))
	v.SetDefault(KeyConcurrency, runtime.NumCPU())
	v.SetDefault(KeyQuarantineDir, DefaultQuarantineDir)
	v.SetDefault(KeyMaxHamming, hasher.DefaultThresholds.MaxHamming)
	v.SetDefault(KeyMaxEdit, hasher.DefaultThresholds.MaxEdit)
	v.SetDefault(KeyMaxTextBytes, hasher.DefaultMaxTextBytes)
	v.SetDefault(KeyLogLevel, "info")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func merge(v *viper.Viper, cwd, root string) (EffectiveConfig, error) {
	src := v.ConfigFileUsed()
	invalid := func(err error) (EffectiveConfig, error) {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: src, Err: err}
	}

	algo, err := domain.ParseAlgorithm(v.GetString(KeyAlgorithm))
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeBadAlgorithm, Path: src, Err: err}
	}

	minSize, err := parseSize(v.GetString(KeyMinSize))
	if err != nil {
		return invalid(fmt.Errorf("min_size 无效：%w", err))
	}
	maxSize, err := parseSize(v.GetString(KeyMaxSize))
	if err != nil {
		return invalid(fmt.Errorf("max_size 无效：%w", err))
	}
	since, err := parseSince(v.Get(KeySince))
	if err != nil {
		return invalid(fmt.Errorf("since 无效：%w", err))
	}

	fo := filter.Options{
		MinSize: minSize,
		MaxSize: maxSize,
		Ext:     strings.TrimSpace(v.GetString(KeyExt)),
		Pattern: v.GetString(KeyPattern),
		Since:   since,
	}
	// 提前编译一次：非法正则必须在扫描开始前暴露。
	if _, err := filter.New(fo); err != nil {
		var bp *filter.BadPatternError
		if errors.As(err, &bp) {
			return EffectiveConfig{}, &Error{Code: ErrCodeBadPattern, Path: src, Err: err}
		}
		return invalid(err)
	}

	concurrency := v.GetInt(KeyConcurrency)
	if concurrency == 0 {
		concurrency = runtime.NumCPU()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > MaxConcurrency {
		concurrency = MaxConcurrency
	}

	qdir, err := homedir.Expand(strings.TrimSpace(v.GetString(KeyQuarantineDir)))
	if err != nil {
		return invalid(fmt.Errorf("quarantine_dir 无效：%w", err))
	}
	if qdir == "" {
		return invalid(errors.New("quarantine_dir 不能为空"))
	}

	th := hasher.Thresholds{MaxHamming: v.GetInt(KeyMaxHamming), MaxEdit: v.GetInt(KeyMaxEdit)}
	if th.MaxHamming < 0 || th.MaxHamming > 64 {
		return invalid(fmt.Errorf("similarity.max_hamming 必须在 [0, 64]，实际 %d", th.MaxHamming))
	}
	if th.MaxEdit < 0 {
		return invalid(fmt.Errorf("similarity.max_edit 不能为负数：%d", th.MaxEdit))
	}
	maxText := v.GetInt64(KeyMaxTextBytes)
	if maxText <= 0 {
		return invalid(fmt.Errorf("similarity.max_text_bytes 必须为正数：%d", maxText))
	}

	exclude := make([]string, 0, 4)
	for _, x := range v.GetStringSlice(KeyExclude) {
		if x = strings.TrimSpace(x); x != "" {
			exclude = append(exclude, x)
		}
	}

	logFile := strings.TrimSpace(v.GetString(KeyLogFile))
	if logFile != "" {
		if logFile, err = homedir.Expand(logFile); err != nil {
			return invalid(fmt.Errorf("log_file 无效：%w", err))
		}
		logFile = absCleanFrom(cwd, logFile)
	}

	return EffectiveConfig{
		Root:          root,
		ConfigFile:    src,
		Algorithm:     algo,
		Filter:        fo,
		Concurrency:   concurrency,
		Exclude:       exclude,
		QuarantineDir: absCleanFrom(cwd, qdir),
		Similarity:    th,
		MaxTextBytes:  maxText,
		LogFile:       logFile,
		LogLevel:      strings.ToLower(strings.TrimSpace(v.GetString(KeyLogLevel))),
	}, nil
}

// parseSize 接受纯数字（字节）或带单位的大小（如 "10MB"、"4 KiB"）；空串为 0。
func parseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return humanize.ParseBytes(s)
}

// parseSince 接受 RFC3339 或 YYYY-MM-DD（本地时区零点）；空值表示不限制。
// YAML 里未加引号的日期会被解码成 time.Time，直接使用。
func parseSince(raw any) (time.Time, error) {
	if t, ok := raw.(time.Time); ok {
		return t, nil
	}
	s := ""
	if raw != nil {
		s = strings.TrimSpace(fmt.Sprint(raw))
	}
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation(time.DateOnly, s, time.Local)
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
// - p 若已是绝对路径：直接 Clean
// - p 若是相对路径：Join(base, p) 后 Clean
func absCleanFrom(base, p string) string {
	p = filepath.Clean(strings.TrimSpace(p))
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}
