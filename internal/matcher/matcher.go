// Package matcher is the face recognition collaborator behind the per-frame
// processor: a pool of Python embedding workers plus an index of enrolled persons.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/facetag/internal/frame"
	"github.com/andresmejia3/facetag/internal/recognition"
	"github.com/andresmejia3/facetag/internal/store"
	"github.com/andresmejia3/facetag/internal/types"
	"github.com/andresmejia3/facetag/internal/worker"
)

var (
	ErrModelNotFound     = errors.New("model file not found")
	ErrDatabaseNotLoaded = errors.New("persons database not loaded")
	ErrInvalidImage      = errors.New("invalid image")
	ErrClosed            = errors.New("matcher closed")
	ErrNoWorkers         = errors.New("no embedding worker available")
)

// DefaultMaxSize is the longest side a region is scaled down to before embedding.
const DefaultMaxSize = 600

// Config locates the worker script and models.
type Config struct {
	Python          string
	WorkerScript    string
	DetectorModel   string
	RecognizerModel string
	MaxSize         int
	ReadTimeout     time.Duration
	Engines         int
	Logger          *log.Logger
}

// embedder is the part of worker.PythonWorker the matcher needs.
type embedder interface {
	ProcessFrame(rows, cols, channels int, pix []byte) ([]types.FaceResult, error)
	Close()
}

type spawnFunc func(id int) (embedder, error)

// Matcher implements recognition.FaceMatcher.
type Matcher struct {
	cfg    Config
	logger *log.Logger
	spawn  spawnFunc
	pool   chan embedder
	alive  atomic.Int32

	mu     sync.RWMutex
	index  *PersonsIndex
	closed bool
	nextID int

	// OnImage, when set, is called after each enrollment image is handled.
	OnImage func(path string, err error)
	// OnReload, when set, is called after each reload triggered by Watch.
	OnReload func(faces int, err error)
}

// New checks the model files and starts cfg.Engines workers.
func New(ctx context.Context, cfg Config) (*Matcher, error) {
	for _, path := range []string{cfg.WorkerScript, cfg.DetectorModel, cfg.RecognizerModel} {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, path)
		}
	}

	wcfg := worker.Config{
		Python:          cfg.Python,
		Script:          cfg.WorkerScript,
		DetectorModel:   cfg.DetectorModel,
		RecognizerModel: cfg.RecognizerModel,
		ReadTimeout:     cfg.ReadTimeout,
	}
	spawn := func(id int) (embedder, error) {
		return worker.NewPythonWorker(ctx, id, wcfg)
	}
	return newMatcher(cfg, spawn)
}

func newMatcher(cfg Config, spawn spawnFunc) (*Matcher, error) {
	if cfg.Engines < 1 {
		cfg.Engines = 1
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	m := &Matcher{
		cfg:    cfg,
		logger: logger,
		spawn:  spawn,
		pool:   make(chan embedder, cfg.Engines),
	}
	for i := 0; i < cfg.Engines; i++ {
		w, err := spawn(i)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("worker %d: %w", i, err)
		}
		m.nextID++
		m.alive.Add(1)
		m.pool <- w
	}
	return m, nil
}

// Close stops every idle worker. Busy workers are stopped when they are returned.
func (m *Matcher) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	for {
		select {
		case w := <-m.pool:
			w.Close()
		default:
			return
		}
	}
}

// Index returns the active persons index, or nil before a database is loaded.
func (m *Matcher) Index() *PersonsIndex {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index
}

// LoadFaces replaces the persons index with embeddings read from the store.
func (m *Matcher) LoadFaces(faces []store.PersonFace) int {
	idx := NewPersonsIndex()
	for _, f := range faces {
		if !idx.Add(f.Name, f.Embedding) {
			m.logger.Printf("skipping stored face %d of %s: unusable embedding", f.ID, f.Name)
		}
	}
	m.setIndex(idx)
	return idx.Len()
}

func (m *Matcher) setIndex(idx *PersonsIndex) {
	m.mu.Lock()
	m.index = idx
	m.mu.Unlock()
}

// RunOneFace recognises the most confident person in img. Nobody above
// threshold yields the unknown result.
func (m *Matcher) RunOneFace(ctx context.Context, img *frame.Image, threshold float64) (recognition.MatchResult, error) {
	idx := m.Index()
	if idx == nil || idx.Len() == 0 {
		return recognition.Unknown(), ErrDatabaseNotLoaded
	}
	if !img.Valid() {
		return recognition.Unknown(), ErrInvalidImage
	}

	faces, err := m.embed(ctx, img.Downscale(m.cfg.MaxSize))
	if err != nil {
		return recognition.Unknown(), err
	}

	best := recognition.Unknown()
	for _, face := range faces {
		name, sim := idx.Best(face.Vec)
		if name != "" && sim > threshold && sim > best.Score {
			best = recognition.MatchResult{Name: name, Score: recognition.ClampScore(sim)}
		}
	}
	return best, nil
}

type embedResult struct {
	faces []types.FaceResult
	err   error
}

// embed runs img through a pooled worker. If ctx ends first the call returns
// immediately and the worker rejoins the pool once its reply arrives.
func (m *Matcher) embed(ctx context.Context, img *frame.Image) ([]types.FaceResult, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	if m.alive.Load() == 0 {
		return nil, ErrNoWorkers
	}

	var w embedder
	select {
	case w = <-m.pool:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	done := make(chan embedResult, 1)
	go func() {
		faces, err := w.ProcessFrame(img.Height, img.Width, img.Channels, img.Pix)
		m.release(w, err)
		done <- embedResult{faces, err}
	}()

	select {
	case res := <-done:
		return res.faces, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release returns w to the pool, replacing it when its pipe broke.
func (m *Matcher) release(w embedder, err error) {
	var remote *worker.RemoteError
	if err != nil && !errors.As(err, &remote) {
		m.logger.Printf("worker failed, restarting: %v", err)
		w.Close()

		m.mu.Lock()
		id := m.nextID
		m.nextID++
		m.mu.Unlock()

		nw, spawnErr := m.spawn(id)
		if spawnErr != nil {
			m.alive.Add(-1)
			m.logger.Printf("worker %d restart failed: %v", id, spawnErr)
			return
		}
		w = nw
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		w.Close()
		return
	}
	m.pool <- w
}
