package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Recognition RecognitionConfig `yaml:"recognition"`
	Matcher     MatcherConfig     `yaml:"matcher"`
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
}

type RecognitionConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Threshold       float64       `yaml:"threshold"`
	MatchTimeout    time.Duration `yaml:"match_timeout"` // 0 disables the timeout
	TrackerOn       bool          `yaml:"tracker_on"`
	MaxTracks       int           `yaml:"max_tracks"` // 0 means unbounded
	TrackTTL        time.Duration `yaml:"track_ttl"`  // 0 disables stale eviction
	Debug           bool          `yaml:"debug"`
}

type MatcherConfig struct {
	PersonsDir      string        `yaml:"persons_dir"`
	Python          string        `yaml:"python"`
	WorkerScript    string        `yaml:"worker_script"`
	DetectorModel   string        `yaml:"detector_model"`
	RecognizerModel string        `yaml:"recognizer_model"`
	MaxSize         int           `yaml:"max_size"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	Engines         int           `yaml:"engines"`
	Watch           bool          `yaml:"watch"`          // reload the persons folder on change
	WatchDebounce   time.Duration `yaml:"watch_debounce"` // quiet period before a reload
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"` // PostgreSQL connection URL
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Recognition: RecognitionConfig{
			RefreshInterval: 5 * time.Second,
			Threshold:       0.3,
			MatchTimeout:    2 * time.Second,
			TrackerOn:       true,
		},
		Matcher: MatcherConfig{
			PersonsDir:      "persons",
			Python:          "python3",
			WorkerScript:    "python/worker.py",
			DetectorModel:   "models/face_detection_yunet.onnx",
			RecognizerModel: "models/face_recognition_sface.onnx",
			MaxSize:         600,
			ReadTimeout:     30 * time.Second,
			Engines:         1,
			WatchDebounce:   2 * time.Second,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Database: DatabaseConfig{
			URL: "postgres://localhost:5432/facetag",
		},
	}
}

// Load applies the YAML file at path (optional) and then the environment on
// top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	r, m := &c.Recognition, &c.Matcher

	errs = append(errs,
		envDuration("FACETAG_REFRESH_INTERVAL", &r.RefreshInterval),
		envFloat("FACETAG_MATCH_THRESHOLD", &r.Threshold),
		envDuration("FACETAG_MATCH_TIMEOUT", &r.MatchTimeout),
		envInt("FACETAG_MAX_TRACKS", &r.MaxTracks),
		envDuration("FACETAG_TRACK_TTL", &r.TrackTTL),
		envBool("FACETAG_TRACKER_ON", &r.TrackerOn),
		envBool("FACETAG_DEBUG", &r.Debug),
		envInt("FACETAG_ENGINES", &m.Engines),
		envInt("FACETAG_MAX_SIZE", &m.MaxSize),
		envDuration("FACETAG_WORKER_TIMEOUT", &m.ReadTimeout),
		envBool("FACETAG_WATCH", &m.Watch),
		envDuration("FACETAG_WATCH_DEBOUNCE", &m.WatchDebounce),
	)
	envString("FACETAG_PERSONS_DIR", &m.PersonsDir)
	envString("FACETAG_PYTHON", &m.Python)
	envString("FACETAG_WORKER_SCRIPT", &m.WorkerScript)
	envString("FACETAG_DETECTOR_MODEL", &m.DetectorModel)
	envString("FACETAG_RECOGNIZER_MODEL", &m.RecognizerModel)
	envString("FACETAG_ADDR", &c.Server.Addr)

	if url := databaseURLFromEnv(); url != "" {
		c.Database.URL = url
	}
	return errors.Join(errs...)
}

// databaseURLFromEnv prefers DATABASE_URL and falls back to the POSTGRES_* variables.
func databaseURLFromEnv() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
}

// Validate rejects settings the processor cannot run with.
func (c *Config) Validate() error {
	r := c.Recognition
	var errs []error
	if r.RefreshInterval <= 0 {
		errs = append(errs, fmt.Errorf("refresh interval must be positive, got %s", r.RefreshInterval))
	}
	if r.Threshold <= 0 || r.Threshold > 1 {
		errs = append(errs, fmt.Errorf("threshold must be in (0, 1], got %g", r.Threshold))
	}
	if r.MatchTimeout < 0 {
		errs = append(errs, fmt.Errorf("match timeout must not be negative, got %s", r.MatchTimeout))
	}
	if r.MaxTracks < 0 {
		errs = append(errs, fmt.Errorf("max tracks must not be negative, got %d", r.MaxTracks))
	}
	if r.TrackTTL != 0 && r.TrackTTL < r.RefreshInterval {
		errs = append(errs, fmt.Errorf("track ttl %s is shorter than the refresh interval %s", r.TrackTTL, r.RefreshInterval))
	}
	if c.Matcher.Engines < 1 {
		errs = append(errs, fmt.Errorf("engines must be at least 1, got %d", c.Matcher.Engines))
	}
	if c.Matcher.WatchDebounce < 0 {
		errs = append(errs, fmt.Errorf("watch debounce must not be negative, got %s", c.Matcher.WatchDebounce))
	}
	if c.Matcher.MaxSize < 0 {
		errs = append(errs, fmt.Errorf("max size must not be negative, got %d", c.Matcher.MaxSize))
	}
	return errors.Join(errs...)
}

func envString(key string, dst *string) {
	if s := os.Getenv(key); s != "" {
		*dst = s
	}
}

func envInt(key string, dst *int) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envBool(key string, dst *bool) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
