package matcher

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/andresmejia3/facetag/internal/frame"
	"github.com/andresmejia3/facetag/internal/types"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// EnrolledFace is one reference embedding produced by LoadDatabase.
type EnrolledFace struct {
	Name       string
	SourcePath string
	Embedding  []float32
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".webp": true,
}

// ListImages returns the enrollment images under dir grouped by person, i.e.
// dir/<name>/<image>. Files containing "_visualize" are annotated outputs and
// are skipped.
func ListImages(dir string) (map[string][]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("persons database: %w", err)
	}

	persons := make(map[string][]string)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		personDir := filepath.Join(dir, e.Name())
		files, err := os.ReadDir(personDir)
		if err != nil {
			return nil, fmt.Errorf("persons database: %w", err)
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || strings.Contains(name, "_visualize") || !imageExts[strings.ToLower(filepath.Ext(name))] {
				continue
			}
			persons[e.Name()] = append(persons[e.Name()], filepath.Join(personDir, name))
		}
	}
	return persons, nil
}

// LoadDatabase embeds every image of the persons folder and replaces the
// index with the result. Images that cannot be decoded or contain no face are
// skipped; the enrolled faces are returned so they can be persisted.
func (m *Matcher) LoadDatabase(ctx context.Context, dir string) ([]EnrolledFace, error) {
	idx, enrolled, err := m.buildIndex(ctx, dir)
	if err != nil {
		return nil, err
	}
	m.setIndex(idx)
	m.logger.Printf("persons database loaded: %d faces of %d persons", idx.Len(), idx.People())
	return enrolled, nil
}

func (m *Matcher) buildIndex(ctx context.Context, dir string) (*PersonsIndex, []EnrolledFace, error) {
	persons, err := ListImages(dir)
	if err != nil {
		return nil, nil, err
	}

	names := make([]string, 0, len(persons))
	for name := range persons {
		names = append(names, name)
	}
	sort.Strings(names)

	idx := NewPersonsIndex()
	var enrolled []EnrolledFace
	for _, name := range names {
		for _, path := range persons[name] {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}

			vec, err := m.embedFile(ctx, path)
			if m.OnImage != nil {
				m.OnImage(path, err)
			}
			if err != nil {
				m.logger.Printf("skipping %s: %v", path, err)
				continue
			}
			if !idx.Add(name, vec) {
				m.logger.Printf("skipping %s: unusable embedding", path)
				continue
			}
			enrolled = append(enrolled, EnrolledFace{Name: name, SourcePath: path, Embedding: vec})
		}
	}
	return idx, enrolled, nil
}

// embedFile returns the embedding of the largest face in the image at path.
func (m *Matcher) embedFile(ctx context.Context, path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	img := frame.FromImage(src).Downscale(m.cfg.MaxSize)
	faces, err := m.embed(ctx, img)
	if err != nil {
		return nil, err
	}
	face, ok := largestFace(faces)
	if !ok {
		return nil, fmt.Errorf("no face detected")
	}
	return face.Vec, nil
}

func largestFace(faces []types.FaceResult) (types.FaceResult, bool) {
	if len(faces) == 0 {
		return types.FaceResult{}, false
	}
	best := faces[0]
	for _, f := range faces[1:] {
		if f.Box[2]*f.Box[3] > best.Box[2]*best.Box[3] {
			best = f
		}
	}
	return best, true
}
