package recognition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/facetag/internal/frame"
)

// UntrackedObjectID is the id the tracker assigns to objects it is not following.
const UntrackedObjectID = ^uint64(0)

// DefaultThreshold is the confidence threshold handed to the matcher on every call.
const DefaultThreshold = 0.3

var (
	// ErrMissingBatchMeta means the pipeline handed over no batch at all.
	ErrMissingBatchMeta = errors.New("batch metadata not found")
	// ErrUnmappableBuffer means a frame's pixel buffer cannot be read.
	ErrUnmappableBuffer = errors.New("failed to map frame buffer")
)

// FaceMatcher is the expensive recognition call. Implementations return
// {"unknown", 0} when nobody matches; an error is treated the same way.
type FaceMatcher interface {
	RunOneFace(ctx context.Context, img *frame.Image, threshold float64) (MatchResult, error)
}

// Detection is one tracked object in a frame. DisplayText is the output sink
// written by the processor.
type Detection struct {
	TrackID     uint64
	Label       string
	Box         frame.BoundingBox
	DisplayText string
}

// Frame is one decoded picture and its tracked objects.
type Frame struct {
	Index      int
	Image      *frame.Image
	Detections []*Detection
}

// Batch is what the hosting pipeline hands over per callback.
type Batch struct {
	Frames []*Frame
}

// Options configures a Processor.
type Options struct {
	RefreshInterval time.Duration
	Threshold       float64
	MatchTimeout    time.Duration // zero disables the timeout
	TrackerOn       bool
	MaxEntries      int
	TrackTTL        time.Duration // zero disables stale eviction
	Debug           bool
}

// Stats are cumulative counters since the processor was created.
type Stats struct {
	Batches         int64 `json:"batches"`
	Frames          int64 `json:"frames"`
	SkippedFrames   int64 `json:"skipped_frames"`
	Detections      int64 `json:"detections"`
	Ignored         int64 `json:"ignored"`
	Degenerate      int64 `json:"degenerate"`
	MatcherCalls    int64 `json:"matcher_calls"`
	MatcherFailures int64 `json:"matcher_failures"`
	CacheHits       int64 `json:"cache_hits"`
	Evicted         int64 `json:"evicted"`
	Tracks          int   `json:"tracks"`
}

type counters struct {
	batches, frames, skippedFrames           atomic.Int64
	detections, ignored, degenerate          atomic.Int64
	matcherCalls, matcherFailures, cacheHits atomic.Int64
	evicted                                  atomic.Int64
}

// Processor runs the per-frame recognition step. It is safe to call from
// several pipeline branches at once.
type Processor struct {
	matcher  FaceMatcher
	opts     Options
	registry *Registry
	logger   *log.Logger
	stats    counters

	// Now is the clock; replaced in tests and by video-time hosts.
	Now func() time.Time
}

// NewProcessor wires a processor around matcher.
func NewProcessor(matcher FaceMatcher, opts Options, logger *log.Logger) *Processor {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	p := &Processor{
		matcher:  matcher,
		opts:     opts,
		registry: NewRegistry(opts.MaxEntries),
		logger:   logger,
		Now:      time.Now,
	}
	p.registry.OnEvict = func(trackID uint64, reason EvictReason) {
		p.stats.evicted.Add(1)
		p.debugf("track %d evicted (%s)", trackID, reason)
	}
	return p
}

// Registry exposes the track cache, e.g. for snapshots.
func (p *Processor) Registry() *Registry { return p.registry }

// TrackEnded is the hook for the tracker's end-of-track signal.
func (p *Processor) TrackEnded(trackID uint64) bool {
	return p.registry.Remove(trackID)
}

// Stats returns a copy of the counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Batches:         p.stats.batches.Load(),
		Frames:          p.stats.frames.Load(),
		SkippedFrames:   p.stats.skippedFrames.Load(),
		Detections:      p.stats.detections.Load(),
		Ignored:         p.stats.ignored.Load(),
		Degenerate:      p.stats.degenerate.Load(),
		MatcherCalls:    p.stats.matcherCalls.Load(),
		MatcherFailures: p.stats.matcherFailures.Load(),
		CacheHits:       p.stats.cacheHits.Load(),
		Evicted:         p.stats.evicted.Load(),
		Tracks:          p.registry.Len(),
	}
}

// ProcessBatch labels every frame of a batch. Only a missing batch is returned
// as an error; a frame whose buffer cannot be mapped is logged and skipped.
func (p *Processor) ProcessBatch(ctx context.Context, batch *Batch) error {
	if batch == nil {
		p.logger.Printf("%v, skipping buffer", ErrMissingBatchMeta)
		return ErrMissingBatchMeta
	}
	p.stats.batches.Add(1)

	for _, f := range batch.Frames {
		if err := p.ProcessFrame(ctx, f); err != nil {
			p.logger.Printf("frame skipped: %v", err)
		}
	}

	if p.opts.TrackTTL > 0 {
		p.registry.EvictStale(p.Now(), p.opts.TrackTTL)
	}
	return nil
}

// ProcessFrame labels the detections of one frame. Per-detection failures are
// absorbed; only an unusable frame is reported.
func (p *Processor) ProcessFrame(ctx context.Context, f *Frame) error {
	if f == nil || !f.Image.Valid() {
		p.stats.skippedFrames.Add(1)
		idx := -1
		if f != nil {
			idx = f.Index
		}
		return fmt.Errorf("frame %d: %w", idx, ErrUnmappableBuffer)
	}
	p.stats.frames.Add(1)

	for _, det := range f.Detections {
		if det == nil {
			continue
		}
		p.processDetection(ctx, f.Image, det)
	}
	return nil
}

func (p *Processor) processDetection(ctx context.Context, img *frame.Image, det *Detection) {
	p.stats.detections.Add(1)

	if det.Label == "" {
		p.stats.ignored.Add(1)
		return
	}
	if p.opts.TrackerOn && det.TrackID == UntrackedObjectID {
		p.stats.ignored.Add(1)
		p.debugf("object is not tracked, skipping: %s", det.Label)
		return
	}

	box, ok := det.Box.Clamp(img.Width, img.Height)
	if !ok {
		p.stats.degenerate.Add(1)
		p.logger.Printf("track %d: degenerate box %+v in %dx%d frame", det.TrackID, det.Box, img.Width, img.Height)
		return
	}

	now := p.Now()
	entry, known := p.registry.Lookup(det.TrackID)

	// Keyed on the attempt, not RefreshedAt: a kept fallback must still wait a full interval.
	if known && !ShouldRefresh(now, entry.AttemptedAt, p.opts.RefreshInterval) {
		p.stats.cacheHits.Add(1)
		det.DisplayText = entry.State.DisplayText()
		return
	}

	var previous *MatchState
	if known {
		previous = &entry.State
	}

	fresh := p.recognise(ctx, img, box, det)
	merged := Merge(previous, fresh, now)
	p.registry.Upsert(det.TrackID, merged, now)

	det.DisplayText = merged.DisplayText()
	p.debugf("track %d (%s) -> %s", det.TrackID, det.Label, det.DisplayText)
}

// recognise runs the matcher on the detection's region. Any failure turns into
// an unknown result.
func (p *Processor) recognise(ctx context.Context, img *frame.Image, box frame.BoundingBox, det *Detection) MatchResult {
	region, err := img.Crop(box)
	if err != nil {
		p.stats.matcherFailures.Add(1)
		p.logger.Printf("track %d: crop failed: %v", det.TrackID, err)
		return Unknown()
	}

	if p.opts.MatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.MatchTimeout)
		defer cancel()
	}

	p.stats.matcherCalls.Add(1)
	res, err := p.matcher.RunOneFace(ctx, region, p.opts.Threshold)
	if err != nil {
		p.stats.matcherFailures.Add(1)
		p.logger.Printf("track %d: face recognition failed: %v", det.TrackID, err)
		return Unknown()
	}
	if res.Name == "" {
		return Unknown()
	}
	res.Score = ClampScore(res.Score)
	return res
}

func (p *Processor) debugf(format string, args ...any) {
	if p.opts.Debug {
		p.logger.Printf(format, args...)
	}
}
