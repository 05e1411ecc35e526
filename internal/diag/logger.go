package diag

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 为结构化事件日志器：单行 JSON，字段固定（comp/stage/code/dur_ms/...）。
// 底层为 zap；同时把 finish/error 事件计入指标。
type Logger struct {
	z *zap.Logger
}

// LogOptions: 日志器构造参数。
type LogOptions struct {
	CorrID   string
	Level    string // debug|info|warn|error，未知值按 info
	Dir      string // 轮转文件目录，默认 "logs"
	MaxBytes int64  // 单文件上限，默认 10MiB
	Keep     int    // 保留的轮转文件数，0 为不清理
	// Sink: 非空时直接写入该目标（测试/嵌入），忽略 Dir。
	Sink zapcore.WriteSyncer
}

// New 按选项构造日志器。
func New(o LogOptions) *Logger {
	sink := o.Sink
	if sink == nil {
		dir := o.Dir
		if dir == "" {
			dir = "logs"
		}
		sink = &fallbackSink{primary: NewRotatingFile(dir, o.MaxBytes, o.Keep), fallback: zapcore.Lock(os.Stderr)}
	}
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     utcRFC3339,
		EncodeDuration: zapcore.MillisDurationEncoder,
	})
	core := zapcore.NewCore(enc, sink, parseLevel(o.Level))
	z := zap.New(core)
	if o.CorrID != "" {
		z = z.With(zap.String("corr_id", o.CorrID))
	}
	return &Logger{z: z}
}

// FromZap 包装已有 zap.Logger（测试中配合 zaptest/observer）。
func FromZap(z *zap.Logger) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &Logger{z: z}
}

// Nop 返回丢弃所有事件的日志器。
func Nop() *Logger { return FromZap(nil) }

// Zap 暴露底层 zap.Logger。
func (l *Logger) Zap() *zap.Logger { return l.z }

// Sync 刷新缓冲。
func (l *Logger) Sync() error { return l.z.Sync() }

func parseLevel(s string) zapcore.Level {
	var lv zapcore.Level
	if err := lv.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return zapcore.InfoLevel
	}
	switch lv {
	case zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel:
		return lv
	default:
		return zapcore.InfoLevel
	}
}

func utcRFC3339(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.UTC().Format(time.RFC3339))
}

// event 组装标准字段；空值字段省略。
func event(comp, stage, code string, dur time.Duration, count int64, fileID, batch string, kv map[string]string) []zap.Field {
	fs := make([]zap.Field, 0, 8)
	fs = append(fs, zap.String("comp", comp), zap.String("stage", stage))
	if code != "" {
		fs = append(fs, zap.String("code", code))
	}
	if dur > 0 {
		fs = append(fs, zap.Int64("dur_ms", dur.Milliseconds()))
	}
	if count != 0 {
		fs = append(fs, zap.Int64("count", count))
	}
	if fileID != "" {
		fs = append(fs, zap.String("file_id", fileID))
	}
	if batch != "" {
		fs = append(fs, zap.String("batch_id", batch))
	}
	if len(kv) > 0 {
		fs = append(fs, zap.Any("kv", kv))
	}
	return fs
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	return l.StartWithKV(comp, msg, "", "", nil)
}

// StartWith 记录带 file_id/batch_id 的 start。
func (l *Logger) StartWith(comp, msg, fileID, batch string) *Timer {
	return l.StartWithKV(comp, msg, fileID, batch, nil)
}

// StartWithKV 记录带 file_id/batch_id 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, fileID, batch string, kv map[string]string) *Timer {
	l.z.Info(msg, event(comp, "start", "", 0, 0, fileID, batch, kv)...)
	return &Timer{l: l, comp: comp, fileID: fileID, batch: batch, t0: time.Now()}
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", "", nil)
}

// ErrorWith 支持 file_id/batch_id。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, fileID, batch string) {
	l.ErrorWithKV(comp, code, msg, durSince, fileID, batch, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, fileID, batch string, kv map[string]string) {
	var dur time.Duration
	if durSince != nil {
		dur = time.Since(*durSince)
	}
	l.z.Error(msg, event(comp, "error", code, dur, 0, fileID, batch, kv)...)
	IncOp(comp, "error", "error")
	IncError(comp, code)
}

// Warn 记录可恢复事件（重试、降级批、缓存故障）。
func (l *Logger) Warn(comp, code, msg, fileID, batch string, kv map[string]string) {
	l.z.Warn(msg, event(comp, "warn", code, 0, 0, fileID, batch, kv)...)
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	dur := time.Since(start)
	l.z.Info(msg, event(comp, "finish", "", dur, count, "", "", nil)...)
	IncOp(comp, "finish", "success")
	ObserveDuration(comp, "finish", dur.Milliseconds())
}

// DebugStart 输出调试级别的“start”类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, fileID, batch string, kv map[string]string) {
	l.z.Debug(msg, event(comp, "start", "", 0, 0, fileID, batch, kv)...)
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l      *Logger
	comp   string
	fileID string
	batch  string
	t0     time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	dur := time.Since(t.t0)
	t.l.z.Info(msg, event(t.comp, "finish", "", dur, count, t.fileID, t.batch, nil)...)
	IncOp(t.comp, "finish", "success")
	ObserveDuration(t.comp, "finish", dur.Milliseconds())
}

// Since 返回计时起点（用于 ErrorWith 的 durSince）。
func (t *Timer) Since() *time.Time {
	if t == nil {
		return nil
	}
	return &t.t0
}

// fallbackSink: 主目标写失败时退回 stderr。
type fallbackSink struct {
	primary  *RotatingFile
	fallback zapcore.WriteSyncer
}

func (s *fallbackSink) Write(p []byte) (int, error) {
	if n, err := s.primary.Write(p); err == nil {
		return n, nil
	}
	return s.fallback.Write(p)
}

func (s *fallbackSink) Sync() error { return s.primary.Sync() }
