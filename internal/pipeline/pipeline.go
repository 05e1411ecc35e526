package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"llmbatch/internal/diag"
	"llmbatch/internal/prompt"
	"llmbatch/internal/rate"
	"llmbatch/pkg/contract"
)

// - 单点并发：仅 dispatcher 管理并发；原子组件均为同步、无内部并发。
// - 先读后发：全部输入读取并解析成功后才开始调用后端；输入不可读时不产生任何调用与输出。
// - 汇合后写：同一文件的全部批完成后排序汇总，单次原子写出。
// - 降级不中止：批失败（重试耗尽）以全空结果代替，仅计数；取消与早期鉴权失败才中止运行。

// Components 聚合运行所需的原子组件。
type Components struct {
	Reader        contract.Reader
	Splitter      contract.Splitter
	Chunker       contract.Chunker
	PromptBuilder contract.PromptBuilder
	LLM           contract.LLMClient
	Parser        contract.Parser
	Assembler     contract.Assembler
	Writer        contract.Writer
}

// Settings 运行期配置。
type Settings struct {
	Inputs      []string
	Concurrency int
	// ChunkSize: 每批记录数 k。
	ChunkSize int
	// MaxRetries: 瞬时失败的最大重试次数（>=0）。
	MaxRetries int
	// RetryPause: 重试前的等待；0 表示使用默认 200ms。
	RetryPause time.Duration
	// CallTimeout: 单次后端调用超时；<=0 表示不限制。
	CallTimeout time.Duration
	// MaxTokens: 单请求 token 预算；<=0 关闭预算校验。
	MaxTokens int
	// Estimator: token 估算器；为空时按 4 字节/token。
	Estimator contract.TokenEstimator
	// Schema: 识别字段与分隔符（与 PromptBuilder/Parser 一致）。
	Schema contract.OutputSchema
	// OutputSuffix: 工件名后缀，默认 "_processed"。
	OutputSuffix string
	// Progress: 终端进度提示，可为空。
	Progress *diag.Terminal
	// 限流闸门（可选）：若非空，则在调用 LLM 前调用 Gate.Wait
	Gate    rate.Gate
	GateKey rate.LimitKey
}

// DefaultOutputSuffix: 工件名默认后缀（reviews.csv → reviews_processed.csv）。
const DefaultOutputSuffix = "_processed"

// FileReport: 单个输入文件的处理摘要。
type FileReport struct {
	FileID   contract.FileID
	Records  int
	Batches  int
	Degraded int
	// Unparsed: 以全空结果代替的条目数（不含降级批）。
	Unparsed int
	Dropped  int
	Artifact contract.ArtifactID
	State    State
}

// Report: 一次运行的摘要。
type Report struct {
	Files []FileReport
}

// Degraded 返回全部文件的降级批总数。
func (r Report) Degraded() int {
	n := 0
	for _, f := range r.Files {
		n += f.Degraded
	}
	return n
}

// Records 返回处理的记录总数。
func (r Report) Records() int {
	n := 0
	for _, f := range r.Files {
		n += f.Records
	}
	return n
}

// Summary 返回一行人类可读摘要，例如 "2 files, 30 records, 1 batch degraded"。
func (r Report) Summary() string {
	return fmt.Sprintf("%s, %s, %s degraded",
		plural(len(r.Files), "file", "files"),
		plural(r.Records(), "record", "records"),
		plural(r.Degraded(), "batch", "batches"))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return fmt.Sprintf("%d %s", n, many)
}

// ArtifactFor 计算输出工件标识：<dir>/<stem><suffix><ext>。
func ArtifactFor(fileID contract.FileID, suffix, ext string) contract.ArtifactID {
	if fileID == "-" || fileID == "" {
		fileID = "stdin"
	}
	name := fileID.Stem() + suffix + ext
	if dir := fileID.Dir(); dir != "." && dir != "" {
		name = path.Join(dir, name)
	}
	return contract.ArtifactID(name)
}

// preflighter: Writer 可选实现，在任何后端调用前检查输出可写。
type preflighter interface {
	Preflight(ctx context.Context) error
}

// Run 执行完整流水线：Reader → Splitter → Chunker → Prompt → (Gate) → LLM → Parser → Aggregate → Assembler → Writer。
// 返回的 Report 在出错时包含已完成文件的摘要。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (Report, error) {
	if logger == nil {
		logger = diag.Nop()
	}
	set, err := sanity(comp, set)
	if err != nil {
		return Report{}, fmt.Errorf("sanity: %w", err)
	}
	var rep Report

	// 预算：固定提示开销必须留有余量
	if set.MaxTokens > 0 {
		eff, overhead := prompt.EffectiveMaxTokens(comp.PromptBuilder, set.Estimator, set.MaxTokens)
		if eff <= 0 {
			return rep, contract.AtStage(contract.StagePrompt, "", fmt.Errorf("%w: overhead %d leaves no budget of %d", contract.ErrBudgetExceeded, overhead, set.MaxTokens))
		}
	}

	datasets, err := load(ctx, comp, set, logger)
	if err != nil {
		return rep, err
	}
	if err := checkArtifacts(comp, set, datasets); err != nil {
		logger.ErrorWith("writer", string(diag.Classify(err)), err.Error(), nil, "", "")
		return rep, contract.AtStage(contract.StageWrite, "", err)
	}
	if p, ok := comp.Writer.(preflighter); ok {
		if err := p.Preflight(ctx); err != nil {
			logger.ErrorWith("writer", string(diag.Classify(err)), "preflight failed: "+err.Error(), nil, "", "")
			return rep, contract.AtStage(contract.StageWrite, "", err)
		}
	}

	d := &dispatcher{comp: comp, set: set, log: logger}
	for _, ds := range datasets {
		fr, err := runFile(ctx, d, ds, logger)
		rep.Files = append(rep.Files, fr)
		if err != nil {
			return rep, err
		}
	}
	return rep, nil
}

// load 读取并解析全部输入；任一失败即返回，此时尚未调用后端。
// artifactPather: Writer 可选实现，返回工件的实际落盘路径。
type artifactPather interface {
	Path(id contract.ArtifactID) (string, error)
}

// checkArtifacts 在任何后端调用前确认每个输入对应不同的输出位置；
// 扁平输出下不同目录的同名输入会落到同一文件，后写者将覆盖先写者。
func checkArtifacts(comp Components, set Settings, datasets []contract.Dataset) error {
	pather, _ := comp.Writer.(artifactPather)
	seen := make(map[string]contract.FileID, len(datasets))
	for _, ds := range datasets {
		id := ArtifactFor(ds.FileID, set.OutputSuffix, comp.Assembler.Ext())
		dest := string(id)
		if pather != nil {
			p, err := pather.Path(id)
			if err != nil {
				return fmt.Errorf("%s: %w: %w", id, contract.ErrOutputUnwritable, err)
			}
			dest = p
		}
		if prev, dup := seen[dest]; dup {
			return fmt.Errorf("%s and %s both write %s: %w", prev, ds.FileID, dest, contract.ErrOutputUnwritable)
		}
		seen[dest] = ds.FileID
	}
	return nil
}

func load(ctx context.Context, comp Components, set Settings, logger *diag.Logger) ([]contract.Dataset, error) {
	var out []contract.Dataset
	rtimer := logger.Start("reader", "iterate")
	err := comp.Reader.Iterate(ctx, set.Inputs, func(fid contract.FileID, rc io.ReadCloser) error {
		defer rc.Close()
		stimer := logger.StartWith("splitter", "split", string(fid), "")
		ds, err := comp.Splitter.Split(ctx, fid, rc)
		if err != nil {
			logger.ErrorWith("splitter", string(diag.Classify(err)), "split failed: "+err.Error(), stimer.Since(), string(fid), "")
			return contract.AtStage(contract.StageSplit, fid, err)
		}
		stimer.Finish("split", int64(len(ds.Records)))
		out = append(out, ds)
		return nil
	})
	if err != nil {
		var se *contract.StageError
		if !errors.As(err, &se) {
			logger.Error("reader", string(diag.Classify(err)), "iterate failed: "+err.Error(), rtimer.Since())
		}
		return nil, contract.AtStage(contract.StageRead, "", err)
	}
	rtimer.Finish("iterate", int64(len(out)))
	return out, nil
}

// runFile 处理单个数据集：切批 → 构建 Prompt → 并发发送 → 汇总 → 编码 → 原子写出。
func runFile(ctx context.Context, d *dispatcher, ds contract.Dataset, logger *diag.Logger) (fr FileReport, err error) {
	comp, set := d.comp, d.set
	fid := ds.FileID
	fr = FileReport{FileID: fid, Records: len(ds.Records)}
	tr := newTracker(fid, logger)
	start := time.Now()
	defer func() {
		if err != nil {
			tr.fail()
		}
		fr.State = tr.state
		set.Progress.FileFinish(err == nil, fr.Degraded, time.Since(start))
	}()

	ctimer := logger.StartWith("chunker", "make", string(fid), "")
	batches, err := comp.Chunker.Make(ctx, ds.Records, contract.ChunkLimit{Size: set.ChunkSize})
	if err != nil {
		logger.ErrorWith("chunker", string(diag.Classify(err)), "make failed: "+err.Error(), ctimer.Since(), string(fid), "")
		return fr, contract.AtStage(contract.StageChunk, fid, err)
	}
	ctimer.Finish("make", int64(len(batches)))
	for i := range batches {
		batches[i].Header = ds.Header
	}
	fr.Batches = len(batches)
	if err := tr.to(StateChunked); err != nil {
		return fr, err
	}
	set.Progress.FileStart(string(fid), len(ds.Records), len(batches))

	// Prompt 在发送前全部构建：构建失败或超预算不会留下半途的调用
	jobs := make([]job, len(batches))
	for i, b := range batches {
		p, err := comp.PromptBuilder.Build(ctx, b)
		if err != nil {
			logger.ErrorWith("prompt_builder", string(diag.Classify(err)), "build failed: "+err.Error(), nil, string(fid), batchID(b))
			return fr, contract.AtStage(contract.StagePrompt, fid, err)
		}
		tokens, err := prompt.CheckBudget(set.Estimator, p, set.MaxTokens)
		if err != nil {
			logger.ErrorWith("prompt_builder", string(diag.CodeBudget), err.Error(), nil, string(fid), batchID(b))
			return fr, contract.AtStage(contract.StagePrompt, fid, err)
		}
		jobs[i] = job{batch: b, prompt: p, tokens: tokens}
	}

	if err := tr.to(StateDispatched); err != nil {
		return fr, err
	}
	dtimer := logger.StartWith("dispatch", "send", string(fid), "")
	outs, err := d.dispatch(ctx, fid, jobs)
	if err != nil {
		return fr, contract.AtStage(contract.StageDispatch, fid, err)
	}
	for _, o := range outs {
		if o.degraded {
			fr.Degraded++
			continue
		}
		fr.Unparsed += o.result.Unparsed
		fr.Dropped += o.result.Dropped
	}
	dtimer.Finish("send", int64(len(outs)))

	header, rows, err := aggregate(ds, batches, outs, set.Schema)
	if err != nil {
		logger.ErrorWith("aggregate", string(diag.CodeInvariant), err.Error(), nil, string(fid), "")
		return fr, contract.AtStage(contract.StageAggregate, fid, err)
	}
	if err := tr.to(StateAggregated); err != nil {
		return fr, err
	}

	atimer := logger.StartWith("assembler", "assemble", string(fid), "")
	r, err := comp.Assembler.Assemble(ctx, header, rows)
	if err != nil {
		logger.ErrorWith("assembler", string(diag.Classify(err)), "assemble failed: "+err.Error(), atimer.Since(), string(fid), "")
		return fr, contract.AtStage(contract.StageAssemble, fid, err)
	}
	atimer.Finish("assemble", int64(len(rows)))

	fr.Artifact = ArtifactFor(fid, set.OutputSuffix, comp.Assembler.Ext())
	wtimer := logger.StartWith("writer", "write", string(fr.Artifact), "")
	if err := comp.Writer.Write(ctx, fr.Artifact, r); err != nil {
		logger.ErrorWith("writer", string(diag.Classify(err)), "write failed: "+err.Error(), wtimer.Since(), string(fr.Artifact), "")
		return fr, contract.AtStage(contract.StageWrite, fid, err)
	}
	wtimer.Finish("write", int64(len(rows)))
	if err := tr.to(StateWritten); err != nil {
		return fr, err
	}
	return fr, nil
}

func sanity(c Components, s Settings) (Settings, error) {
	if c.Reader == nil || c.Splitter == nil || c.Chunker == nil || c.PromptBuilder == nil || c.LLM == nil || c.Parser == nil || c.Assembler == nil || c.Writer == nil {
		return s, errors.New("pipeline: missing components")
	}
	if len(s.Inputs) == 0 {
		return s, errors.New("pipeline: empty inputs")
	}
	if s.ChunkSize < 1 {
		return s, fmt.Errorf("pipeline: chunk size must be >= 1: %w", contract.ErrInvalidInput)
	}
	if s.MaxRetries < 0 {
		return s, fmt.Errorf("pipeline: max retries must be >= 0: %w", contract.ErrInvalidInput)
	}
	if err := s.Schema.Validate(); err != nil {
		return s, fmt.Errorf("pipeline: schema: %w", err)
	}
	if s.Concurrency < 1 {
		s.Concurrency = 1
	}
	if s.RetryPause <= 0 {
		s.RetryPause = 200 * time.Millisecond
	}
	if s.Estimator == nil {
		s.Estimator = prompt.MakeEstimator(4)
	}
	if strings.TrimSpace(s.OutputSuffix) == "" {
		s.OutputSuffix = DefaultOutputSuffix
	}
	return s, nil
}
