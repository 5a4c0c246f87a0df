package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/facetag/internal/frame"
	"github.com/andresmejia3/facetag/internal/recognition"
	"github.com/andresmejia3/facetag/internal/types"
	"github.com/andresmejia3/facetag/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const megabyte = 1024 * 1024

// TagOptions holds the inputs of the tag command
type TagOptions struct {
	InputPath      string
	DetectionsPath string
	OutputPath     string
	Persons        personsSource
}

var tagOpts TagOptions

var tagCmd = &cobra.Command{
	Use:   "tag",
	Short: "Label the tracked objects of a video with recognised names",
	Long: `Decodes the video, reads the tracker output (one JSON object per frame:
{"frame":0,"objects":[{"track_id":1,"label":"person","bbox":[x,y,w,h]}],"ended":[ids]})
and writes one label record per object as JSON Lines. Refresh timing follows video time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := validateTagFlags(&tagOpts); err != nil {
			return err
		}
		return runTag(cmd.Context(), tagOpts)
	},
}

func init() {
	tagCmd.Flags().StringVarP(&tagOpts.InputPath, "input", "i", "", "Path to video")
	tagCmd.Flags().StringVarP(&tagOpts.DetectionsPath, "detections", "d", "", "Tracker output, JSON Lines")
	tagCmd.Flags().StringVarP(&tagOpts.OutputPath, "output", "o", "-", "Where to write labels, JSON Lines (- for stdout)")
	tagOpts.Persons.register(tagCmd.Flags())

	tagCmd.MarkFlagRequired("input")
	tagCmd.MarkFlagRequired("detections")
	rootCmd.AddCommand(tagCmd)
}

// runTag orchestrates tagging: matcher startup, FFmpeg streaming, per-frame processing and progress.
func runTag(ctx context.Context, opts TagOptions) error {
	width, height, err := utils.GetVideoDimensions(opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to determine video dimensions", err, nil)
		return err
	}
	fps, err := utils.GetVideoFPS(opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to determine video FPS", err, nil)
		return err
	}

	detFile, err := os.Open(opts.DetectionsPath)
	if err != nil {
		return err
	}
	defer detFile.Close()
	detections := newDetectionSource(detFile)

	out := io.Writer(os.Stdout)
	if opts.OutputPath != "-" {
		f, err := os.Create(opts.OutputPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	sink := newLabelSink(out)

	m, err := startMatcher(ctx, opts.Persons)
	if err != nil {
		utils.ShowError("Failed to start matcher", err, nil)
		return err
	}
	defer m.Close()

	clock := &videoClock{fps: fps}
	proc := recognition.NewProcessor(m, processorOptions(Cfg), newLogger("recognition"))
	proc.Now = clock.Now

	videoID, err := utils.GenerateVideoID(opts.InputPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "📼 Processing Video ID: %s (%dx%d @ %.2f fps)\n", videoID[:12], width, height, fps)

	totalVideoFrames := utils.GetTotalFrames(opts.InputPath)
	if totalVideoFrames <= 0 {
		totalVideoFrames = -1 // spinner
	}
	bar := progressbar.NewOptions(totalVideoFrames,
		progressbar.OptionSetDescription("🏷️  Tagging"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	ffmpeg := utils.NewFFmpegCmd(ctx, opts.InputPath)
	ffmpegOut, err := ffmpeg.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := ffmpeg.Start(); err != nil {
		return fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	reader := bufio.NewReaderSize(ffmpegOut, megabyte)
	buf := frame.New(width, height)
	index := 0
	var loopErr error
	for {
		if loopErr = utils.ReadRawFrame(reader, buf.Pix); loopErr != nil {
			if errors.Is(loopErr, io.EOF) {
				loopErr = nil
			}
			break
		}

		if loopErr = tagFrame(ctx, proc, clock, detections, sink, buf, index); loopErr != nil {
			break
		}
		index++
		bar.Add(1)
	}

	if loopErr != nil {
		// Unblock FFmpeg before waiting on it
		ffmpegOut.Close()
	}
	waitErr := ffmpeg.Wait()
	bar.Finish()

	if loopErr != nil {
		return loopErr
	}
	if waitErr != nil {
		if ffmpeg.Stderr.Len() > 0 {
			fmt.Fprintf(os.Stderr, "\nFFmpeg Logs:\n%s\n", ffmpeg.Stderr.String())
		}
		return fmt.Errorf("FFmpeg execution failed: %w", waitErr)
	}
	if err := sink.Flush(); err != nil {
		return err
	}
	if n := detections.Remaining(); n > 0 {
		fmt.Fprintf(os.Stderr, "\n⚠️  %d detection records refer to frames past the end of the video\n", n)
	}

	printTagSummary(proc.Stats(), index)
	return nil
}

// tagFrame labels one decoded frame and writes its label records.
func tagFrame(ctx context.Context, proc *recognition.Processor, clock *videoClock, detections *detectionSource, sink *labelSink, img *frame.Image, index int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clock.Set(index)

	rec, err := detections.For(index)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	f := &recognition.Frame{Index: index, Image: img}
	for _, o := range rec.Objects {
		f.Detections = append(f.Detections, &recognition.Detection{
			TrackID: o.TrackID,
			Label:   o.Label,
			Box:     frame.BoundingBox{X: o.BBox[0], Y: o.BBox[1], Width: o.BBox[2], Height: o.BBox[3]},
		})
	}
	if err := proc.ProcessBatch(ctx, &recognition.Batch{Frames: []*recognition.Frame{f}}); err != nil {
		return err
	}

	for _, d := range f.Detections {
		if err := sink.Write(types.LabelRecord{
			Frame:       index,
			Timestamp:   clock.Seconds(),
			TrackID:     d.TrackID,
			Label:       d.Label,
			DisplayText: d.DisplayText,
		}); err != nil {
			return err
		}
	}

	for _, id := range rec.Ended {
		proc.TrackEnded(id)
	}
	return nil
}

// videoClock turns a frame index into a timestamp so refresh intervals are
// measured in video time, independent of processing speed.
type videoClock struct {
	fps   float64
	index int
}

func (c *videoClock) Set(index int) { c.index = index }

func (c *videoClock) Seconds() float64 { return float64(c.index) / c.fps }

func (c *videoClock) Now() time.Time {
	return time.Unix(0, 0).Add(time.Duration(c.Seconds() * float64(time.Second)))
}

// detectionSource reads tracker records in frame order.
type detectionSource struct {
	scanner *bufio.Scanner
	next    *types.FrameRecord
	line    int
	eof     bool
}

func newDetectionSource(r io.Reader) *detectionSource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*megabyte)
	return &detectionSource{scanner: sc}
}

// peek loads the next non-empty record.
func (d *detectionSource) peek() (*types.FrameRecord, error) {
	for d.next == nil && !d.eof {
		if !d.scanner.Scan() {
			d.eof = true
			return nil, d.scanner.Err()
		}
		d.line++
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec types.FrameRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("detections line %d: %w", d.line, err)
		}
		d.next = &rec
	}
	return d.next, nil
}

// For returns the record of frame index, or nil when the tracker reported
// nothing for it. Records for earlier frames are out of order and skipped.
func (d *detectionSource) For(index int) (*types.FrameRecord, error) {
	for {
		rec, err := d.peek()
		if err != nil || rec == nil {
			return nil, err
		}
		switch {
		case rec.Frame < index:
			fmt.Fprintf(os.Stderr, "\n⚠️  Skipping out-of-order detections for frame %d (line %d)\n", rec.Frame, d.line)
			d.next = nil
		case rec.Frame == index:
			d.next = nil
			return rec, nil
		default:
			return nil, nil
		}
	}
}

// Remaining counts records that were never consumed.
func (d *detectionSource) Remaining() int {
	n := 0
	for {
		rec, err := d.peek()
		if err != nil || rec == nil {
			return n
		}
		d.next = nil
		n++
	}
}

type labelSink struct {
	w   *bufio.Writer
	enc *json.Encoder
}

func newLabelSink(w io.Writer) *labelSink {
	bw := bufio.NewWriter(w)
	return &labelSink{w: bw, enc: json.NewEncoder(bw)}
}

func (s *labelSink) Write(rec types.LabelRecord) error { return s.enc.Encode(rec) }

func (s *labelSink) Flush() error { return s.w.Flush() }

func printTagSummary(stats recognition.Stats, frames int) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "📊 TAG SUMMARY\n")
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🎞️  Frames decoded:        %d\n", frames)
	fmt.Fprintf(os.Stderr, "👁️  Detections labelled:   %d\n", stats.Detections)
	fmt.Fprintf(os.Stderr, "🧠 Recognition calls:     %d (%d failed)\n", stats.MatcherCalls, stats.MatcherFailures)
	fmt.Fprintf(os.Stderr, "♻️  Cached labels reused:  %d\n", stats.CacheHits)
	fmt.Fprintf(os.Stderr, "🚫 Skipped (untracked/degenerate): %d/%d\n", stats.Ignored, stats.Degenerate)
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// validateTagFlags ensures all CLI arguments are valid before starting heavy processes.
func validateTagFlags(opts *TagOptions) error {
	for _, p := range []struct{ name, path string }{
		{"Input", opts.InputPath},
		{"Detections", opts.DetectionsPath},
	} {
		info, err := os.Stat(p.path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%s file does not exist: %s", p.name, p.path)
			}
			return fmt.Errorf("unable to access %s file: %w", p.name, err)
		}
		if info.IsDir() {
			return fmt.Errorf("%s path is a directory, expected a file: %s", p.name, p.path)
		}
	}
	if opts.OutputPath == "" {
		opts.OutputPath = "-"
	}
	return nil
}
