package run

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/John-Robertt/dedup/internal/config"
	"github.com/John-Robertt/dedup/internal/domain"
	"github.com/John-Robertt/dedup/internal/filter"
	"github.com/John-Robertt/dedup/internal/hasher"
	"github.com/John-Robertt/dedup/internal/quarantine"
)

// countingHasher 统计真实哈希调用次数；fail 中的路径直接返回错误。
type countingHasher struct {
	calls atomic.Int64
	fail  map[string]error
}

func (h *countingHasher) Hash(path string, algo domain.Algorithm) (string, error) {
	h.calls.Add(1)
	if err, ok := h.fail[path]; ok {
		return "", err
	}
	return hasher.Hash(path, algo)
}

type recordObserver struct {
	mu sync.Mutex

	starts int
	phases []string
	files  int
	moves  []domain.MoveResult
}

func (o *recordObserver) OnStart(string, config.EffectiveConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
}

func (o *recordObserver) OnPhaseDone(name string, _ map[string]any, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phases = append(o.phases, name)
}

func (o *recordObserver) OnFileDone(int, int, string, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files++
}

func (o *recordObserver) OnMoveDone(_, _ int, res domain.MoveResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.moves = append(o.moves, res)
}

// slowHasher 让指定路径的哈希晚于其它文件完成。
type slowHasher struct {
	slow  string
	delay time.Duration
}

func (h slowHasher) Hash(path string, algo domain.Algorithm) (string, error) {
	if path == h.slow {
		time.Sleep(h.delay)
	}
	return hasher.Hash(path, algo)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入文件失败：%v", err)
	}
}

// fixture：a.txt 与 sub/b.txt 内容相同，c.txt 不同。
func fixture(t *testing.T) (root, qdir string) {
	t.Helper()
	base := t.TempDir()
	root = filepath.Join(base, "root")
	writeFile(t, filepath.Join(root, "a.txt"), "hello")
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "hello")
	writeFile(t, filepath.Join(root, "c.txt"), "world")
	return root, filepath.Join(base, "quarantine")
}

func effFor(root, qdir string) config.EffectiveConfig {
	return config.EffectiveConfig{
		Root:          root,
		Algorithm:     domain.AlgoSHA256,
		Concurrency:   4,
		QuarantineDir: qdir,
		Similarity:    hasher.DefaultThresholds,
		MaxTextBytes:  hasher.DefaultMaxTextBytes,
	}
}

func TestExecute_Dupes_KeeperIsFirstInWalkOrder(t *testing.T) {
	root, qdir := fixture(t)

	rr := Execute(context.Background(), effFor(root, qdir), Request{Command: CommandDupes}, nil)
	if rr.FatalCode != "" {
		t.Fatalf("不期望根级失败：%s %s", rr.FatalCode, rr.FatalMsg)
	}
	if rr.Summary.Files != 3 || rr.Summary.Groups != 1 || rr.Summary.Duplicates != 1 {
		t.Fatalf("summary 不正确：%+v", rr.Summary)
	}
	g := rr.Groups[0]
	if g.Keeper != filepath.Join(root, "a.txt") {
		t.Fatalf("keeper 应为 a.txt：%q", g.Keeper)
	}
	if len(g.Duplicates) != 1 || g.Duplicates[0] != filepath.Join(root, "sub", "b.txt") {
		t.Fatalf("duplicates 不正确：%v", g.Duplicates)
	}
	if g.Wasted != 5 || rr.Summary.WastedBytes != 5 {
		t.Fatalf("wasted 不正确：%+v", g)
	}
}

func TestExecute_Quarantine_DryRunNoMoves(t *testing.T) {
	root, qdir := fixture(t)

	rr := Execute(context.Background(), effFor(root, qdir), Request{Command: CommandQuarantine}, nil)
	if !rr.DryRun {
		t.Fatalf("未指定 apply 时应为 dry-run")
	}
	if len(rr.Moves) != 1 || rr.Moves[0].Status != domain.MoveStatusPlanned {
		t.Fatalf("期望 1 个 planned 移动：%+v", rr.Moves)
	}
	if _, err := os.Stat(filepath.Join(root, "sub", "b.txt")); err != nil {
		t.Fatalf("dry-run 不应移动文件：%v", err)
	}
	if _, err := os.Stat(qdir); !os.IsNotExist(err) {
		t.Fatalf("dry-run 不应创建隔离目录，但 Stat err=%v", err)
	}
}

func TestExecute_Quarantine_ApplyThenRecover(t *testing.T) {
	root, qdir := fixture(t)
	obs := &recordObserver{}

	rr := Execute(context.Background(), effFor(root, qdir), Request{Command: CommandQuarantine, Apply: true}, obs)
	if rr.FatalCode != "" {
		t.Fatalf("不期望根级失败：%s %s", rr.FatalCode, rr.FatalMsg)
	}
	if rr.Summary.Moved != 1 || rr.HasSoftFailures() {
		t.Fatalf("期望 1 个成功移动：%+v %+v", rr.Summary, rr.Moves)
	}
	if _, err := os.Stat(filepath.Join(root, "sub", "b.txt")); !os.IsNotExist(err) {
		t.Fatalf("重复项应已移走：%v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "a.txt")); err != nil {
		t.Fatalf("keeper 必须保留：%v", err)
	}
	if len(obs.moves) != 1 || obs.starts != 1 {
		t.Fatalf("observer 事件不正确：starts=%d moves=%d", obs.starts, len(obs.moves))
	}

	m, err := quarantine.Open(qdir)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	defer m.Close()
	got, err := m.RecoverOriginal("b.txt")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	b, err := os.ReadFile(got)
	if err != nil || string(b) != "hello" {
		t.Fatalf("恢复后内容不一致：%q err=%v", string(b), err)
	}
}

func TestExecute_Quarantine_SecondRunConflicts(t *testing.T) {
	root, qdir := fixture(t)
	eff := effFor(root, qdir)

	rr := Execute(context.Background(), eff, Request{Command: CommandQuarantine, Apply: true}, nil)
	if rr.Summary.Moved != 1 {
		t.Fatalf("第一次应移动 1 个：%+v", rr.Summary)
	}

	// 再造一个同名重复项：隔离目录已有 b.txt，必须拒绝而不是覆盖。
	writeFile(t, filepath.Join(root, "other", "b.txt"), "hello")
	rr = Execute(context.Background(), eff, Request{Command: CommandQuarantine, Apply: true}, nil)
	if rr.Summary.Conflicts != 1 || rr.Summary.Moved != 0 {
		t.Fatalf("期望 1 个冲突：%+v %+v", rr.Summary, rr.Moves)
	}
	if rr.Moves[0].ErrorCode != domain.ErrCodeQuarantineConflict {
		t.Fatalf("冲突 error_code 不正确：%+v", rr.Moves[0])
	}
	if _, err := os.Stat(filepath.Join(root, "other", "b.txt")); err != nil {
		t.Fatalf("被拒绝的文件应原地保留：%v", err)
	}
}

func TestScan_RescanUsesIndex(t *testing.T) {
	root, _ := fixture(t)
	h := &countingHasher{}
	opt := ScanOptions{Root: root, Algorithm: domain.AlgoSHA256, Filter: filter.MatchAll(), Concurrency: 3, Hasher: h}

	first := Scan(context.Background(), opt, nil)
	if first.Err != nil {
		t.Fatalf("不期望错误：%v", first.Err)
	}
	if h.calls.Load() != 3 || first.Stats.Hashed != 3 {
		t.Fatalf("首次扫描应哈希 3 个文件：calls=%d stats=%+v", h.calls.Load(), first.Stats)
	}

	h.calls.Store(0)
	second := Scan(context.Background(), opt, nil)
	if second.Err != nil {
		t.Fatalf("不期望错误：%v", second.Err)
	}
	if h.calls.Load() != 0 || second.Stats.IndexHits != 3 {
		t.Fatalf("索引全部新鲜时不应重新哈希：calls=%d stats=%+v", h.calls.Load(), second.Stats)
	}
	if !reflect.DeepEqual(first.Fingerprints, second.Fingerprints) {
		t.Fatalf("两次扫描指纹不一致：\n%+v\n%+v", first.Fingerprints, second.Fingerprints)
	}

	// 修改 mtime 后只重新哈希该文件。
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(filepath.Join(root, "c.txt"), future, future); err != nil {
		t.Fatalf("chtimes 失败：%v", err)
	}
	h.calls.Store(0)
	third := Scan(context.Background(), opt, nil)
	if h.calls.Load() != 1 || third.Stats.IndexHits != 2 {
		t.Fatalf("只应重新哈希 mtime 变化的文件：calls=%d stats=%+v", h.calls.Load(), third.Stats)
	}
}

func TestScan_PerFileFailureIsSkipped(t *testing.T) {
	root, _ := fixture(t)
	bad := filepath.Join(root, "c.txt")
	h := &countingHasher{fail: map[string]error{bad: errors.New("boom")}}

	res := Scan(context.Background(), ScanOptions{
		Root: root, Algorithm: domain.AlgoSHA256, Filter: filter.MatchAll(), Concurrency: 2, Hasher: h, NoIndex: true,
	}, nil)
	if res.Err != nil {
		t.Fatalf("逐文件失败不应变成根级失败：%v", res.Err)
	}
	if len(res.Fingerprints) != 2 || len(res.Skipped) != 1 {
		t.Fatalf("期望 2 个指纹 + 1 个跳过：%+v %+v", res.Fingerprints, res.Skipped)
	}
	if res.Skipped[0].Path != bad || res.Skipped[0].ErrorCode != domain.ErrCodeHashFailed {
		t.Fatalf("跳过条目不正确：%+v", res.Skipped[0])
	}
	for i, fp := range res.Fingerprints {
		if i > 0 && res.Fingerprints[i-1].Seq >= fp.Seq {
			t.Fatalf("输出应按 Seq 升序：%+v", res.Fingerprints)
		}
	}
	if _, err := os.Stat(filepath.Join(root, ".dedup")); !os.IsNotExist(err) {
		t.Fatalf("NoIndex 时不应创建工作目录：%v", err)
	}
}

func TestScan_FilterAppliedBeforeHashing(t *testing.T) {
	root, _ := fixture(t)
	writeFile(t, filepath.Join(root, "big.bin"), "0123456789")
	h := &countingHasher{}
	f, err := filter.New(filter.Options{MinSize: 6})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	res := Scan(context.Background(), ScanOptions{Root: root, Algorithm: domain.AlgoXXHash, Filter: f, Hasher: h, NoIndex: true}, nil)
	if res.Stats.Listed != 4 || res.Stats.Filtered != 1 || h.calls.Load() != 1 {
		t.Fatalf("过滤应发生在哈希之前：stats=%+v calls=%d", res.Stats, h.calls.Load())
	}
	if res.Fingerprints[0].Algorithm != domain.AlgoXXHash || len(res.Fingerprints[0].Hash) != 16 {
		t.Fatalf("xxhash 指纹不正确：%+v", res.Fingerprints[0])
	}
}

func TestScan_MissingRootIsFatal(t *testing.T) {
	res := Scan(context.Background(), ScanOptions{Root: filepath.Join(t.TempDir(), "nope"), Algorithm: domain.AlgoSHA256}, nil)
	if res.Err == nil || res.ErrCode != domain.ErrCodeRootUnreadable {
		t.Fatalf("期望根级失败：%v %q", res.Err, res.ErrCode)
	}
}

func TestScan_CanceledContext(t *testing.T) {
	root, _ := fixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := Scan(ctx, ScanOptions{Root: root, Algorithm: domain.AlgoSHA256, Filter: filter.MatchAll(), NoIndex: true}, nil)
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("期望 context.Canceled，实际：%v", res.Err)
	}
}

func TestExecute_FindListsWithoutHashing(t *testing.T) {
	root, qdir := fixture(t)
	obs := &recordObserver{}

	rr := Execute(context.Background(), effFor(root, qdir), Request{Command: CommandFind}, obs)
	if rr.Summary.Files != 3 {
		t.Fatalf("find 应列出 3 个文件：%+v", rr.Files)
	}
	for _, f := range rr.Files {
		if f.Hash != "" {
			t.Fatalf("find 不应计算哈希：%+v", f)
		}
	}
	if obs.files != 0 {
		t.Fatalf("find 不应触发哈希事件")
	}
	if _, err := os.Stat(filepath.Join(root, ".dedup")); !os.IsNotExist(err) {
		t.Fatalf("find 不应创建索引：%v", err)
	}
}

func TestExecute_PerceptualGroupsNearDuplicates(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "root")
	writeFile(t, filepath.Join(root, "a.md"), "the quick brown fox")
	writeFile(t, filepath.Join(root, "b.md"), "the quick brown fix")
	writeFile(t, filepath.Join(root, "c.md"), "completely different text here")

	eff := effFor(root, filepath.Join(base, "q"))
	eff.Algorithm = domain.AlgoPerceptual
	eff.Similarity = hasher.Thresholds{MaxHamming: 10, MaxEdit: 2}

	rr := Execute(context.Background(), eff, Request{Command: CommandDupes}, nil)
	if rr.Summary.Groups != 1 {
		t.Fatalf("期望 1 个近似组：%+v", rr.Groups)
	}
	g := rr.Groups[0]
	if !g.Near || g.Algorithm != string(domain.AlgoText) || g.Keeper != filepath.Join(root, "a.md") {
		t.Fatalf("近似组不正确：%+v", g)
	}
}

func TestScan_OutOfOrderCompletionKeepsSeqOrder(t *testing.T) {
	root, qdir := fixture(t)
	// ListFiles 会解析根目录的符号链接，慢路径必须用解析后的形式。
	if r, err := filepath.EvalSymlinks(root); err == nil {
		root = r
	}
	first := filepath.Join(root, "a.txt")

	eff := effFor(root, qdir)
	rr := Execute(context.Background(), eff, Request{
		Command: CommandDupes,
		Hasher:  slowHasher{slow: first, delay: 200 * time.Millisecond},
		NoIndex: true,
	}, nil)
	if rr.Summary.Groups != 1 || rr.Groups[0].Keeper != first {
		t.Fatalf("最慢完成的 a.txt 仍应是 keeper：%+v", rr.Groups)
	}

	sr := Scan(context.Background(), ScanOptions{
		Root:        root,
		Algorithm:   domain.AlgoSHA256,
		Filter:      filter.MatchAll(),
		Concurrency: 4,
		Hasher:      slowHasher{slow: first, delay: 200 * time.Millisecond},
		NoIndex:     true,
	}, nil)
	if sr.Err != nil {
		t.Fatalf("不期望错误：%v", sr.Err)
	}
	if len(sr.Fingerprints) != 3 || sr.Fingerprints[0].Path != first {
		t.Fatalf("指纹应按 Seq 排序，a.txt 在首位：%+v", sr.Fingerprints)
	}
	for i, fp := range sr.Fingerprints {
		if fp.Seq != i {
			t.Fatalf("第 %d 个指纹 Seq=%d，输出未按 Seq 排序", i, fp.Seq)
		}
	}
}

func TestExecute_TextPrefixMatchIsReportedNear(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "root")
	prefix := strings.Repeat("x", hasher.DefaultMaxTextBytes)
	writeFile(t, filepath.Join(root, "a.txt"), prefix+"ORIGINAL TAIL")
	writeFile(t, filepath.Join(root, "b.txt"), prefix+strings.Repeat("something else entirely ", 1000))

	eff := effFor(root, filepath.Join(base, "q"))
	eff.Algorithm = domain.AlgoPerceptual

	rr := Execute(context.Background(), eff, Request{Command: CommandDupes, NoIndex: true}, nil)
	if rr.Summary.Groups != 1 {
		t.Fatalf("期望 1 个组：%+v", rr.Groups)
	}
	if !rr.Groups[0].Near {
		t.Fatalf("只有前缀相同的文本不能当作精确重复上报：%+v", rr.Groups[0])
	}
}

func TestScan_SymlinkRoot(t *testing.T) {
	root, _ := fixture(t)
	link := filepath.Join(t.TempDir(), "link")
	if err := os.Symlink(root, link); err != nil {
		t.Skipf("当前平台无法创建符号链接：%v", err)
	}

	sr := Scan(context.Background(), ScanOptions{
		Root:      link,
		Algorithm: domain.AlgoSHA256,
		Filter:    filter.MatchAll(),
		NoIndex:   true,
	}, nil)
	if sr.Err != nil {
		t.Fatalf("不期望错误：%v", sr.Err)
	}
	if len(sr.Fingerprints) != 3 {
		t.Fatalf("符号链接根目录应扫描到 3 个文件：%+v", sr.Fingerprints)
	}
}
