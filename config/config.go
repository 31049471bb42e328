// Package config loads the daemon configuration from YAML with sane
// defaults for every field.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/becomeliminal/cortex/briefing"
	"github.com/becomeliminal/cortex/core"
	"github.com/becomeliminal/cortex/linker"
	"github.com/becomeliminal/cortex/search"
)

// Duration wraps time.Duration so YAML values like "30s" or "5m" parse.
// Bare numbers are taken as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := node.Decode(&secs); err != nil {
		return err
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the daemon configuration.
type Config struct {
	// DataDir is the badger data directory.
	DataDir string `yaml:"data_dir"`

	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	Embedder EmbedderConfig `yaml:"embedder"`
	Search   SearchConfig   `yaml:"search"`
	Briefing BriefingConfig `yaml:"briefing"`
	Linker   LinkerConfig   `yaml:"linker"`
}

// EmbedderConfig selects and configures the embedder.
type EmbedderConfig struct {
	// Kind is "hash" or "onnx".
	Kind string `yaml:"kind"`

	// Dimensions for the hash embedder.
	Dimensions int `yaml:"dimensions"`

	ONNX ONNXConfig `yaml:"onnx"`
}

// ONNXConfig locates the ONNX runtime and model artifacts.
type ONNXConfig struct {
	LibraryPath   string `yaml:"library_path"`
	ModelPath     string `yaml:"model_path"`
	TokenizerPath string `yaml:"tokenizer_path"`
	Dimensions    int    `yaml:"dimensions"`
}

// SearchConfig mirrors search.Config.
type SearchConfig struct {
	Alpha       float32 `yaml:"alpha"`
	Oversample  int     `yaml:"oversample"`
	AnchorDepth int     `yaml:"anchor_depth"`
	MinScore    float32 `yaml:"min_score"`
}

// BriefingConfig mirrors briefing.Config.
type BriefingConfig struct {
	FullLimit    int      `yaml:"full_limit"`
	CompactLimit int      `yaml:"compact_limit"`
	ReachDepth   int      `yaml:"reach_depth"`
	CacheTTL     Duration `yaml:"cache_ttl"`
}

// LinkerConfig mirrors linker.Config and linker.Rules.
type LinkerConfig struct {
	Interval            Duration `yaml:"interval"`
	BatchSize           int      `yaml:"batch_size"`
	SimilarityThreshold float32  `yaml:"similarity_threshold"`
	Neighbors           int      `yaml:"neighbors"`
	SharedTagMin        int      `yaml:"shared_tag_min"`
	TemporalWindow      Duration `yaml:"temporal_window"`
	MaxEdgesPerNode     int      `yaml:"max_edges_per_node"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DataDir: "./data",
		Listen:  ":7437",
		Embedder: EmbedderConfig{
			Kind: "hash",
		},
		Search: SearchConfig{
			Alpha:       0.6,
			Oversample:  4,
			AnchorDepth: 2,
			MinScore:    0.1,
		},
		Briefing: BriefingConfig{
			FullLimit:    32,
			CompactLimit: 8,
			ReachDepth:   2,
			CacheTTL:     Duration(5 * time.Minute),
		},
		Linker: LinkerConfig{
			Interval:            Duration(30 * time.Second),
			BatchSize:           16,
			SimilarityThreshold: 0.7,
			Neighbors:           10,
			SharedTagMin:        2,
			TemporalWindow:      Duration(30 * time.Minute),
			MaxEdgesPerNode:     5,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, core.WrapError(core.CodeInvalidArgument, err, "read config file")
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, core.WrapError(core.CodeInvalidArgument, err, "parse config file")
	}
	return cfg, nil
}

// SearchConfig converts to the search package's config. The file value is
// always explicit, so alpha 0 (pure graph proximity) carries through.
func (c Config) SearchConfig() search.Config {
	alpha := c.Search.Alpha
	return search.Config{
		Alpha:       &alpha,
		Oversample:  c.Search.Oversample,
		AnchorDepth: c.Search.AnchorDepth,
		MinScore:    c.Search.MinScore,
	}
}

// BriefingConfig converts to the briefing package's config.
func (c Config) BriefingConfig() briefing.Config {
	return briefing.Config{
		FullLimit:    c.Briefing.FullLimit,
		CompactLimit: c.Briefing.CompactLimit,
		ReachDepth:   c.Briefing.ReachDepth,
		CacheTTL:     c.Briefing.CacheTTL.Std(),
	}
}

// LinkerConfig converts to the linker package's config.
func (c Config) LinkerConfig() linker.Config {
	return linker.Config{
		Interval:  c.Linker.Interval.Std(),
		BatchSize: c.Linker.BatchSize,
		Rules: linker.Rules{
			SimilarityThreshold: c.Linker.SimilarityThreshold,
			Neighbors:           c.Linker.Neighbors,
			SharedTagMin:        c.Linker.SharedTagMin,
			TemporalWindow:      c.Linker.TemporalWindow.Std(),
			MaxEdgesPerNode:     c.Linker.MaxEdgesPerNode,
		},
	}
}
