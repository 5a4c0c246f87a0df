package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/andresmejia3/facetag/internal/types"
	"github.com/andresmejia3/facetag/internal/utils" // Using the SafeCommand wrapper
)

// maxReply bounds a single reply; a corrupt length header must not allocate gigabytes.
const maxReply = 64 * 1024 * 1024

// Config describes how to launch the embedding process.
type Config struct {
	Python          string
	Script          string
	DetectorModel   string
	RecognizerModel string
	ReadTimeout     time.Duration
}

type PythonWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration
}

// RemoteError is a failure reported by the Python side; the process is still usable.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return "python worker error: " + e.Msg }

// deadliner is implemented by *os.File on platforms with pollable pipes.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	python := cfg.Python
	if python == "" {
		python = "python3"
	}
	py := utils.NewSafeCommandContext(ctx, python, "-u", cfg.Script,
		"--detector", cfg.DetectorModel,
		"--recognizer", cfg.RecognizerModel,
	)

	// Side-channel pipe (FD 3) so library noise on stdout never corrupts replies
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Only the child holds the write end now
	w.Close()

	return &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}, nil
}

// ProcessFrame sends one BGR pixel buffer and returns the faces found in it.
//
// Request:  [u32 len][u32 rows][u32 cols][u32 channels][pixels]
// Reply:    [u32 len][status u8] then
//
//	status 0: [u32 n] n x {[4]i32 box, [512]f32 vec, f32 score}
//	status 1: [u32 msgLen][msg]
func (w *PythonWorker) ProcessFrame(rows, cols, channels int, pix []byte) ([]types.FaceResult, error) {
	if len(pix) != rows*cols*channels {
		return nil, fmt.Errorf("pixel buffer is %d bytes, want %dx%dx%d", len(pix), rows, cols, channels)
	}

	header := [4]uint32{uint32(12 + len(pix)), uint32(rows), uint32(cols), uint32(channels)}
	if err := binary.Write(w.Stdin, binary.BigEndian, header); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(pix); err != nil {
		return nil, err
	}

	resp, err := w.readReply()
	if err != nil {
		return nil, err
	}
	return parseReply(resp)
}

func (w *PythonWorker) readReply() ([]byte, error) {
	if d, ok := w.DataPipe.(deadliner); ok && w.ReadTimeout > 0 {
		if err := d.SetReadDeadline(time.Now().Add(w.ReadTimeout)); err != nil && !errors.Is(err, os.ErrNoDeadline) {
			return nil, err
		}
	}

	var respLen uint32
	if err := binary.Read(w.DataPipe, binary.BigEndian, &respLen); err != nil {
		return nil, err // a crashed worker surfaces here as EOF
	}
	if respLen > maxReply {
		return nil, fmt.Errorf("reply of %d bytes exceeds limit", respLen)
	}
	resp := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// faceRecordSize is box [4]int32, the embedding and the score.
const faceRecordSize = 16 + 4*types.EmbeddingDim + 4

func parseReply(resp []byte) ([]types.FaceResult, error) {
	buf := bytes.NewReader(resp)

	status, err := buf.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty reply: %w", err)
	}

	if status == 1 {
		var msgLen uint32
		if err := binary.Read(buf, binary.BigEndian, &msgLen); err != nil {
			return nil, err
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(buf, msg); err != nil {
			return nil, err
		}
		return nil, &RemoteError{Msg: string(msg)}
	}
	if status != 0 {
		return nil, fmt.Errorf("unknown reply status %d", status)
	}

	var numFaces uint32
	if err := binary.Read(buf, binary.BigEndian, &numFaces); err != nil {
		return nil, err
	}

	if int64(numFaces) > int64(buf.Len()/faceRecordSize) {
		return nil, fmt.Errorf("reply too short for %d faces (%d bytes left)", numFaces, buf.Len())
	}

	faces := make([]types.FaceResult, 0, numFaces)
	for i := uint32(0); i < numFaces; i++ {
		var box [4]int32
		if err := binary.Read(buf, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("face %d box: %w", i, err)
		}
		vec := make([]float32, types.EmbeddingDim)
		if err := binary.Read(buf, binary.BigEndian, vec); err != nil {
			return nil, fmt.Errorf("face %d embedding: %w", i, err)
		}
		var score float32
		if err := binary.Read(buf, binary.BigEndian, &score); err != nil {
			return nil, fmt.Errorf("face %d score: %w", i, err)
		}
		if math.IsNaN(float64(score)) {
			score = 0
		}

		faces = append(faces, types.FaceResult{
			Box:   [4]int{int(box[0]), int(box[1]), int(box[2]), int(box[3])},
			Vec:   vec,
			Score: float64(score),
		})
	}
	return faces, nil
}

// Close ends the process and waits for it so its stderr is complete.
func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}
