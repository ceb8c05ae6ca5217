package run

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/dedup/internal/domain"
	"github.com/John-Robertt/dedup/internal/filter"
	"github.com/John-Robertt/dedup/internal/hasher"
	"github.com/John-Robertt/dedup/internal/infra/cache"
	"github.com/John-Robertt/dedup/internal/infra/logx"
	"github.com/John-Robertt/dedup/internal/scan"
)

// ScanOptions 是一次扫描的输入。
type ScanOptions struct {
	Root        string
	Algorithm   domain.Algorithm
	Filter      filter.Filter
	Exclude     []string
	SkipDirs    []string
	Concurrency int

	// Hasher 为空时使用 hasher.FileHasher{MaxTextBytes}。
	Hasher       hasher.Hasher
	MaxTextBytes int64

	// NoIndex=true 时不打开新鲜度索引（每个文件都重新哈希，也不写回）。
	NoIndex bool

	Logger *slog.Logger
}

// Stats 是扫描各阶段的计数。
type Stats struct {
	Listed    int `json:"listed"`
	Filtered  int `json:"filtered"`
	Hashed    int `json:"hashed"`
	IndexHits int `json:"index_hits"`
	Failed    int `json:"failed"`
}

// ScanResult 是扫描的输出。Err 非空表示根级失败（结果不可用）。
type ScanResult struct {
	Root         string
	Algorithm    domain.Algorithm
	Fingerprints []domain.Fingerprint // 按 Seq 升序
	Skipped      []domain.SkippedFile
	Stats        Stats
	Err          error
	ErrCode      string
}

// Scan 遍历 → 过滤 → 并发哈希（先查新鲜度索引）。
//
// 约束：
// - 只有哈希阶段并发；其余阶段串行
// - 单个文件失败只进入 Skipped，不影响其他文件
// - 输出顺序与哈希完成顺序无关（按 Seq 重排）
func Scan(ctx context.Context, opt ScanOptions, obs Observer) ScanResult {
	if obs == nil {
		obs = nopObserver{}
	}
	log := opt.Logger
	if log == nil {
		log = logx.Discard()
	}

	res := ScanResult{Root: opt.Root, Algorithm: opt.Algorithm}

	listStarted := time.Now()
	listed, err := scan.ListFiles(opt.Root, scan.Options{Exclude: opt.Exclude, SkipDirs: opt.SkipDirs})
	if err != nil {
		res.Err = err
		res.ErrCode = domain.ErrCodeRootUnreadable
		var bp *scan.BadPatternError
		if errors.As(err, &bp) {
			res.ErrCode = domain.ErrCodeConfigInvalid
		}
		return res
	}
	res.Root = listed.Root
	for _, we := range listed.Errors {
		log.Warn("遍历失败，已跳过", "path", we.Path, "err", we.Err)
		res.Skipped = append(res.Skipped, domain.SkippedFile{Path: we.Path, ErrorCode: domain.ErrCodeStatFailed, ErrorMsg: we.Err.Error()})
	}
	res.Stats.Listed = len(listed.Files)

	seen := mapset.NewThreadUnsafeSetWithSize[string](len(listed.Files))
	candidates := make([]domain.FileRecord, 0, len(listed.Files))
	for _, rec := range listed.Files {
		if !opt.Filter.Matches(rec) {
			continue
		}
		// 同一路径只哈希一次。
		if !seen.Add(rec.Path) {
			continue
		}
		candidates = append(candidates, rec)
	}
	res.Stats.Filtered = len(candidates)
	obs.OnPhaseDone("list", map[string]any{
		"files":    res.Stats.Listed,
		"filtered": res.Stats.Filtered,
		"skipped":  len(res.Skipped),
	}, time.Since(listStarted))

	var ix *cache.Index
	if !opt.NoIndex {
		ix, err = cache.Open(listed.Root)
		if err != nil {
			res.Err = err
			res.ErrCode = domain.ErrCodeIndexFailed
			return res
		}
		defer ix.Close()
	}

	h := opt.Hasher
	if h == nil {
		h = hasher.FileHasher{MaxTextBytes: opt.MaxTextBytes}
	}

	hashStarted := time.Now()
	fps, skipped, stats, err := hashAll(ctx, candidates, opt, h, ix, obs, log)
	res.Skipped = append(res.Skipped, skipped...)
	res.Stats.Hashed = stats.Hashed
	res.Stats.IndexHits = stats.IndexHits
	res.Stats.Failed = stats.Failed
	if err != nil {
		res.Err = err
		res.ErrCode = domain.ErrCodeHashFailed
		return res
	}

	domain.SortBySeq(fps)
	res.Fingerprints = fps
	obs.OnPhaseDone("hash", map[string]any{
		"workers":    workers(opt.Concurrency),
		"hashed":     res.Stats.Hashed,
		"index_hits": res.Stats.IndexHits,
		"failed":     res.Stats.Failed,
	}, time.Since(hashStarted))
	return res
}

func workers(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// hashAll 用有界 worker pool 计算指纹。
// 返回的 error 只可能是 ctx 取消；逐文件错误都进入 skipped。
func hashAll(ctx context.Context, recs []domain.FileRecord, opt ScanOptions, h hasher.Hasher, ix *cache.Index, obs Observer, log *slog.Logger) ([]domain.Fingerprint, []domain.SkippedFile, Stats, error) {
	var (
		mu      sync.Mutex
		fps     = make([]domain.Fingerprint, 0, len(recs))
		skipped []domain.SkippedFile
		stats   Stats
		done    int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers(opt.Concurrency))

	for _, rec := range recs {
		rec := rec
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fp, cached, err := hashOne(gctx, rec, opt.Algorithm, h, ix, log)

			mu.Lock()
			done++
			n := done
			switch {
			case err != nil:
				stats.Failed++
				skipped = append(skipped, skippedFor(rec.Path, err))
			case cached:
				stats.IndexHits++
				fps = append(fps, fp)
			default:
				stats.Hashed++
				fps = append(fps, fp)
			}
			mu.Unlock()

			if err != nil {
				log.Warn("哈希失败，已跳过", "path", rec.Path, "err", err)
			}
			obs.OnFileDone(n, len(recs), rec.Path, cached, err)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fps, skipped, stats, err
	}
	// 所有 worker 都正常返回，但循环可能因取消提前结束。
	if err := ctx.Err(); err != nil {
		return fps, skipped, stats, err
	}
	return fps, skipped, stats, nil
}

func hashOne(ctx context.Context, rec domain.FileRecord, selector domain.Algorithm, h hasher.Hasher, ix *cache.Index, log *slog.Logger) (domain.Fingerprint, bool, error) {
	algo := hasher.ForFile(selector, rec.Path)
	fp := domain.Fingerprint{Path: rec.Path, Algorithm: algo, Seq: rec.Seq, Size: rec.Size}

	if ix != nil {
		if hash, ok, err := ix.Lookup(ctx, rec.Path, algo, rec.ModTime); err != nil {
			log.Debug("索引查询失败，回退到重新哈希", "path", rec.Path, "err", err)
		} else if ok {
			fp.Hash = hash
			return fp, true, nil
		}
	}

	hash, err := h.Hash(rec.Path, algo)
	if err != nil {
		return domain.Fingerprint{}, false, err
	}
	fp.Hash = hash

	if ix != nil {
		if err := ix.Upsert(ctx, rec.Path, algo, rec.ModTime, hash); err != nil {
			log.Warn("写入索引失败", "path", rec.Path, "err", err)
		}
	}
	return fp, false, nil
}

func skippedFor(path string, err error) domain.SkippedFile {
	code := domain.ErrCodeHashFailed
	if errors.Is(err, fs.ErrNotExist) {
		code = domain.ErrCodeNotFound
	}
	return domain.SkippedFile{Path: path, ErrorCode: code, ErrorMsg: err.Error()}
}
