package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/facetag/internal/config"
	"github.com/andresmejia3/facetag/internal/matcher"
	"github.com/andresmejia3/facetag/internal/recognition"
	"github.com/spf13/pflag"
)

// personsSource selects where the persons index comes from.
type personsSource struct {
	dir    string
	fromDB bool
}

func (p *personsSource) register(flags *pflag.FlagSet) {
	flags.StringVarP(&p.dir, "persons", "p", "", "Persons folder, one sub-folder per person (default from config)")
	flags.BoolVar(&p.fromDB, "from-db", false, "Load enrolled faces from PostgreSQL instead of the persons folder")
}

// folder is the persons folder, falling back to the configured one.
func (p personsSource) folder() string {
	if p.dir != "" {
		return p.dir
	}
	return Cfg.Matcher.PersonsDir
}

func matcherConfig(cfg *config.Config) matcher.Config {
	m := cfg.Matcher
	return matcher.Config{
		Python:          m.Python,
		WorkerScript:    m.WorkerScript,
		DetectorModel:   m.DetectorModel,
		RecognizerModel: m.RecognizerModel,
		MaxSize:         m.MaxSize,
		ReadTimeout:     m.ReadTimeout,
		Engines:         m.Engines,
		Logger:          newLogger("matcher"),
	}
}

func processorOptions(cfg *config.Config) recognition.Options {
	r := cfg.Recognition
	return recognition.Options{
		RefreshInterval: r.RefreshInterval,
		Threshold:       r.Threshold,
		MatchTimeout:    r.MatchTimeout,
		TrackerOn:       r.TrackerOn,
		MaxEntries:      r.MaxTracks,
		TrackTTL:        r.TrackTTL,
		Debug:           r.Debug,
	}
}

// startMatcher creates the matcher and loads the persons index. The caller
// owns the returned matcher and must Close it.
func startMatcher(ctx context.Context, src personsSource) (*matcher.Matcher, error) {
	fmt.Fprintf(os.Stderr, "🚀 Starting %d AI engine(s)...\n", Cfg.Matcher.Engines)
	m, err := matcher.New(ctx, matcherConfig(Cfg))
	if err != nil {
		return nil, fmt.Errorf("create matcher: %w", err)
	}

	if src.fromDB {
		if err := openDB(ctx); err != nil {
			m.Close()
			return nil, err
		}
		faces, err := DB.LoadFaces(ctx)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("load enrolled faces: %w", err)
		}
		n := m.LoadFaces(faces)
		fmt.Fprintf(os.Stderr, "🗄️  Loaded %d enrolled faces from the database\n", n)
	} else {
		dir := src.folder()
		fmt.Fprintf(os.Stderr, "📂 Loading persons database from %s...\n", dir)
		if _, err := m.LoadDatabase(ctx, dir); err != nil {
			m.Close()
			return nil, fmt.Errorf("load persons database: %w", err)
		}
	}

	if idx := m.Index(); idx == nil || idx.Len() == 0 {
		m.Close()
		return nil, matcher.ErrDatabaseNotLoaded
	}
	return m, nil
}
