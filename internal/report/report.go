package report

import (
	"bytes"
	"encoding/json"
	"html/template"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/maruel/natural"
	"github.com/samber/lo"

	"github.com/John-Robertt/dedup/internal/domain"
	"github.com/John-Robertt/dedup/internal/infra/fsx"
)

// WriteJSON 输出 [{path, hash}] 数组（字段名属于对外契约）。
func WriteJSON(w io.Writer, files []domain.FileEntry) error {
	if files == nil {
		files = []domain.FileEntry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(files)
}

// SaveJSON 原子写出 JSON 报告。
func SaveJSON(path string, files []domain.FileEntry) error {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, files); err != nil {
		return err
	}
	return fsx.WriteFileAtomicReplace(filepath.Dir(path), filepath.Base(path), buf.Bytes())
}

type htmlGroup struct {
	Index      int
	Algorithm  string
	Near       bool
	Hash       string
	Keeper     string
	Size       string
	Duplicates []string
	Wasted     string
}

type htmlView struct {
	Root       string
	Algorithm  string
	Generated  string
	Files      int
	GroupCount int
	Duplicates int
	Savings    string
	Groups     []htmlGroup
	Skipped    []domain.SkippedFile
}

var page = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Duplicate report: {{.Root}}</title>
<style>
body{font-family:system-ui,sans-serif;margin:2em;color:#222}
table{border-collapse:collapse;width:100%;margin-bottom:1.5em}
th,td{border:1px solid #ccc;padding:.3em .6em;text-align:left;vertical-align:top}
th{background:#f3f3f3}
.keeper{font-weight:600}
.near{color:#a60}
code{font-size:.85em}
</style>
</head>
<body>
<h1>Duplicate report</h1>
<dl id="summary">
<dt>Root</dt><dd id="root">{{.Root}}</dd>
<dt>Algorithm</dt><dd id="algorithm">{{.Algorithm}}</dd>
<dt>Generated</dt><dd>{{.Generated}}</dd>
<dt>Files</dt><dd id="files">{{.Files}}</dd>
<dt>Groups</dt><dd id="groups">{{.GroupCount}}</dd>
<dt>Duplicates</dt><dd id="duplicates">{{.Duplicates}}</dd>
<dt>Potential savings</dt><dd id="savings">{{.Savings}}</dd>
</dl>
{{range .Groups}}
<table class="group" data-index="{{.Index}}">
<tr><th colspan="2">Group {{.Index}}{{if .Near}} <span class="near">(near-duplicate)</span>{{end}} <code>{{.Algorithm}}:{{.Hash}}</code></th></tr>
<tr><td>keep</td><td class="keeper">{{.Keeper}} ({{.Size}})</td></tr>
{{range .Duplicates}}<tr><td>duplicate</td><td class="duplicate">{{.}}</td></tr>
{{end}}<tr><td>reclaimable</td><td class="wasted">{{.Wasted}}</td></tr>
</table>
{{else}}
<p id="no-groups">No duplicates found.</p>
{{end}}
{{if .Skipped}}
<h2>Skipped</h2>
<table id="skipped">
<tr><th>Path</th><th>Code</th><th>Reason</th></tr>
{{range .Skipped}}<tr><td>{{.Path}}</td><td>{{.ErrorCode}}</td><td>{{.ErrorMsg}}</td></tr>
{{end}}</table>
{{end}}
</body>
</html>
`))

// WriteHTML 渲染可读的 HTML 报告：每组一个表格，附总可回收空间。
func WriteHTML(w io.Writer, rr domain.RunReport) error {
	groups := lo.Map(rr.Groups, func(g domain.GroupResult, i int) htmlGroup {
		dups := append([]string(nil), g.Duplicates...)
		sort.Sort(natural.StringSlice(dups))
		return htmlGroup{
			Index:      i + 1,
			Algorithm:  g.Algorithm,
			Near:       g.Near,
			Hash:       shortHash(g.Hash),
			Keeper:     g.Keeper,
			Size:       humanize.IBytes(g.Size),
			Duplicates: dups,
			Wasted:     humanize.IBytes(g.Wasted),
		}
	})

	generated := rr.FinishedAt
	if generated.IsZero() {
		generated = time.Now().UTC()
	}

	return page.Execute(w, htmlView{
		Root:       rr.Root,
		Algorithm:  rr.Algorithm,
		Generated:  generated.Format(time.RFC3339),
		Files:      len(rr.Files),
		GroupCount: len(rr.Groups),
		Duplicates: lo.SumBy(rr.Groups, func(g domain.GroupResult) int { return len(g.Duplicates) }),
		Savings:    humanize.IBytes(lo.SumBy(rr.Groups, func(g domain.GroupResult) uint64 { return g.Wasted })),
		Groups:     groups,
		Skipped:    rr.Skipped,
	})
}

// SaveHTML 原子写出 HTML 报告。
func SaveHTML(path string, rr domain.RunReport) error {
	var buf bytes.Buffer
	if err := WriteHTML(&buf, rr); err != nil {
		return err
	}
	return fsx.WriteFileAtomicReplace(filepath.Dir(path), filepath.Base(path), buf.Bytes())
}

// shortHash 截断过长的指纹（text 指纹是原始内容）。
func shortHash(h string) string {
	const max = 64
	r := []rune(h)
	if len(r) <= max {
		return h
	}
	return string(r[:max]) + "…"
}
