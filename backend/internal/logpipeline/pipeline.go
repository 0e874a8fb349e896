package logpipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gastrolog-ci/internal/store"
)

// Defaults for Config's bounds, chosen to keep a single chunk row well
// under typical store/transport payload limits while still batching
// enough lines per row to avoid one-row-per-line overhead.
const (
	DefaultMaxChunkSize        = 64 << 10 // bytes
	DefaultMaxChunkLines       = 1000
	DefaultMaxLineSize         = 16 << 10 // bytes; longer lines are truncated
	DefaultSmallChunkThreshold = 1 << 10  // bytes; below this, Compress leaves a chunk raw
)

// Pipeline implements the Append/GetLines/Compress/DeleteOld contract
// (spec §4.3) on top of a store.Store. It owns no state of its own;
// every call is a thin, line-splitting/codec-aware wrapper around the
// store's chunk-row primitives.
type Pipeline struct {
	store store.Store
	log   *slog.Logger

	maxChunkSize        int
	maxChunkLines       int
	maxLineSize         int
	smallChunkThreshold int
}

// Config wires a Pipeline to its store and sets its chunking bounds.
// Zero values for the bound fields fall back to the Default* constants.
type Config struct {
	Store               store.Store
	Logger              *slog.Logger
	MaxChunkSize        int
	MaxChunkLines       int
	MaxLineSize         int
	SmallChunkThreshold int
}

// New wires a Pipeline per cfg, applying default chunking bounds for
// any zero field.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p := &Pipeline{
		store:               cfg.Store,
		log:                 logger.With("component", "logpipeline"),
		maxChunkSize:        cfg.MaxChunkSize,
		maxChunkLines:       cfg.MaxChunkLines,
		maxLineSize:         cfg.MaxLineSize,
		smallChunkThreshold: cfg.SmallChunkThreshold,
	}
	if p.maxChunkSize <= 0 {
		p.maxChunkSize = DefaultMaxChunkSize
	}
	if p.maxChunkLines <= 0 {
		p.maxChunkLines = DefaultMaxChunkLines
	}
	if p.maxLineSize <= 0 {
		p.maxLineSize = DefaultMaxLineSize
	}
	if p.smallChunkThreshold <= 0 {
		p.smallChunkThreshold = DefaultSmallChunkThreshold
	}
	return p
}

// OpenLog creates a new Log under the given step, retrying with a
// numeric suffix on slug collision (spec §4.3).
func (p *Pipeline) OpenLog(ctx context.Context, stepID, name, slug string, typ store.LogType) (store.Log, error) {
	candidate := slug
	for attempt := 2; ; attempt++ {
		l, err := p.store.AddLog(ctx, store.Log{StepID: stepID, Name: name, Slug: candidate, Type: typ})
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, store.ErrLogSlugExists) {
			return store.Log{}, err
		}
		candidate = fmt.Sprintf("%s_%d", slug, attempt)
	}
}

// Append writes lines to the end of a log, assigning line numbers
// contiguously after whatever has already been written. Content is
// stored raw; Compress re-packs it later. A single call is split into
// multiple chunk rows so no row exceeds MaxChunkSize bytes or
// MaxChunkLines lines; any individual line longer than MaxLineSize is
// truncated (lossy), logged once per call at WARN.
func (p *Pipeline) Append(ctx context.Context, logID string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	l, err := p.store.GetLog(ctx, logID)
	if err != nil {
		return err
	}

	lines, truncated := p.truncateLongLines(lines)
	if truncated > 0 {
		p.log.Warn("log line exceeded MaxLineSize, truncated", "log_id", logID, "count", truncated, "max_line_size", p.maxLineSize)
	}

	next := l.NumLines
	for _, batch := range p.chunkBatches(lines) {
		first := next
		last := first + int64(len(batch)) - 1
		content := []byte(strings.Join(batch, "\n"))

		if err := p.store.AppendLogChunk(ctx, store.LogChunk{
			LogID:        logID,
			FirstLine:    first,
			LastLine:     last,
			Content:      content,
			CompressedID: CodecRaw,
		}); err != nil {
			return err
		}
		next = last + 1
	}
	return p.store.SetLogNumLines(ctx, logID, next)
}

// truncateLongLines clamps any line over maxLineSize bytes, returning
// the possibly-modified slice (the input is not mutated in place when
// nothing needs truncating) and how many lines were affected.
func (p *Pipeline) truncateLongLines(lines []string) ([]string, int) {
	count := 0
	for _, ln := range lines {
		if len(ln) > p.maxLineSize {
			count++
		}
	}
	if count == 0 {
		return lines, 0
	}
	out := make([]string, len(lines))
	for i, ln := range lines {
		if len(ln) > p.maxLineSize {
			out[i] = ln[:p.maxLineSize]
		} else {
			out[i] = ln
		}
	}
	return out, count
}

// chunkBatches splits lines into groups that each satisfy both
// MaxChunkLines and MaxChunkSize, keeping every input line whole
// within its batch (lines themselves are already bounded by
// truncateLongLines before this runs).
func (p *Pipeline) chunkBatches(lines []string) [][]string {
	var batches [][]string
	var cur []string
	size := 0
	for _, ln := range lines {
		lnSize := len(ln) + 1 // +1 for the joining newline
		if len(cur) > 0 && (len(cur) >= p.maxChunkLines || size+lnSize > p.maxChunkSize) {
			batches = append(batches, cur)
			cur = nil
			size = 0
		}
		cur = append(cur, ln)
		size += lnSize
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

// GetLines returns lines [first, last] (inclusive), decoding whatever
// codecs the underlying chunks happen to be stored with.
func (p *Pipeline) GetLines(ctx context.Context, logID string, first, last int64) ([]string, error) {
	chunks, err := p.store.GetLogChunks(ctx, logID, first, last)
	if err != nil {
		return nil, err
	}
	var all []string
	for _, c := range chunks {
		raw, err := decode(c.CompressedID, c.Content)
		if err != nil {
			return nil, fmt.Errorf("log %s chunk [%d,%d]: %w", logID, c.FirstLine, c.LastLine, err)
		}
		lines := strings.Split(string(raw), "\n")
		for i, ln := range lines {
			lineNo := c.FirstLine + int64(i)
			if lineNo < first || lineNo > last {
				continue
			}
			all = append(all, ln)
		}
	}
	return all, nil
}

// Compress re-packs a log's chunks into fewer, larger rows bounded by
// MaxChunkLines, shrinking per-chunk framing overhead. Each repacked
// chunk under SmallChunkThreshold bytes of raw content is left as
// CodecRaw regardless of codecID, since compression framing overhead
// would outweigh the savings on something that small. If codecID has
// no encoder available (bzip2), it returns
// ErrLogCompressionFormatUnavailable and leaves the log untouched;
// callers should fall back to CodecRaw.
func (p *Pipeline) Compress(ctx context.Context, logID string, codecID int) error {
	l, err := p.store.GetLog(ctx, logID)
	if err != nil {
		return err
	}
	if l.NumLines == 0 {
		return nil
	}
	lines, err := p.GetLines(ctx, logID, 0, l.NumLines-1)
	if err != nil {
		return err
	}

	if codecID != CodecRaw {
		c, ok := registry[codecID]
		if !ok || c.compress == nil {
			p.log.Warn("compression format unavailable, leaving log uncompressed", "log_id", logID, "codec", codecID)
			return ErrLogCompressionFormatUnavailable
		}
	}

	var repacked []store.LogChunk
	first := int64(0)
	for _, batch := range p.repackBatches(lines) {
		last := first + int64(len(batch)) - 1
		raw := []byte(strings.Join(batch, "\n"))

		codec, content := codecID, raw
		if codecID == CodecRaw || len(raw) < p.smallChunkThreshold {
			codec = CodecRaw
		} else {
			compressed, err := encode(codecID, raw)
			if err != nil {
				return err
			}
			content = compressed
		}

		repacked = append(repacked, store.LogChunk{
			LogID:        logID,
			FirstLine:    first,
			LastLine:     last,
			Content:      content,
			CompressedID: codec,
		})
		first = last + 1
	}

	return p.store.ReplaceLogChunks(ctx, logID, repacked)
}

// repackBatches groups lines into MaxChunkLines-sized batches for
// Compress, independent of Append's byte-size bound: compression's
// whole point is to let a repacked chunk exceed Append's raw
// MaxChunkSize once encoded, so only the line count is bounded here.
func (p *Pipeline) repackBatches(lines []string) [][]string {
	var batches [][]string
	for len(lines) > 0 {
		n := p.maxChunkLines
		if n > len(lines) {
			n = len(lines)
		}
		batches = append(batches, lines[:n])
		lines = lines[n:]
	}
	return batches
}

// DeleteOld purges chunk data (but not metadata) for every log whose
// owning step started before cutoff, per the retention sweep in spec §4.3.
func (p *Pipeline) DeleteOld(ctx context.Context, cutoff time.Time) (int, error) {
	logs, err := p.store.LogsForStepsStartedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, l := range logs {
		if err := p.store.DeleteLogChunks(ctx, l.ID); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		p.log.Info("deleted old log chunks", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
