package utils

import (
	"fmt"
	"io/ioutil"
	"os"
	"strings"

	"github.com/nci/treespec/processor"
	"gopkg.in/yaml.v2"
)

const (
	DefaultWorkers      = 20
	DefaultWindowRadius = 4
	DefaultTileExt      = "tif"
)

type TilesConfig struct {
	Dir     string `yaml:"dir"`
	Ext     string `yaml:"ext"`
	Preload bool   `yaml:"preload"`
}

type OutputConfig struct {
	Path    string `yaml:"path"`
	Format  string `yaml:"format"`
	PerTile bool   `yaml:"per_tile"`
	DSN     string `yaml:"dsn"`
	Table   string `yaml:"table"`
}

// ColumnsConfig names the tree table properties the extractor relies on.
type ColumnsConfig struct {
	TreeID   string `yaml:"tree_id"`
	Tile     string `yaml:"tile"`
	ApexX    string `yaml:"apex_x"`
	ApexY    string `yaml:"apex_y"`
	Filename string `yaml:"filename"`
}

type CubeConfig struct {
	Format string `yaml:"format"`
}

type CacheConfig struct {
	Memcache []string `yaml:"memcache"`
}

type MetricsConfig struct {
	LogDir         string `yaml:"log_dir"`
	MaxLogFileSize int64  `yaml:"max_log_file_size"`
	MaxLogFiles    int    `yaml:"max_log_files"`
}

// Config is the run configuration of a feature or cube extraction.
type Config struct {
	Trees         string        `yaml:"trees"`
	Tiles         TilesConfig   `yaml:"tiles"`
	Output        OutputConfig  `yaml:"output"`
	Workers       int           `yaml:"workers"`
	Mode          string        `yaml:"mode"`
	Statistics    string        `yaml:"statistics"`
	Extraction    string        `yaml:"extraction"`
	WindowRadius  *int          `yaml:"window_radius"`
	Mask          *bool         `yaml:"mask"`
	Bands         []int         `yaml:"bands"`
	Columns       ColumnsConfig `yaml:"columns"`
	Filter        string        `yaml:"filter"`
	Cube          CubeConfig    `yaml:"cube"`
	Cache         CacheConfig   `yaml:"cache"`
	MemoryLimitMB int           `yaml:"memory_limit_mb"`
	Metrics       MetricsConfig `yaml:"metrics"`
	Verbose       bool          `yaml:"verbose"`
}

// LoadConfigFile parses a YAML run configuration. Defaults are not
// applied so that command line flags can still override the file.
func (config *Config) LoadConfigFile(configFile string) error {
	*config = Config{}
	cfg, err := ioutil.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("Error while reading config file: %s. Error: %v", configFile, err)
	}

	err = yaml.UnmarshalStrict(cfg, config)
	if err != nil {
		return fmt.Errorf("Error at YAML parsing config document: %s. Error: %v", configFile, err)
	}
	return nil
}

// ApplyDefaults fills every unset option. Mask and extraction defaults
// depend on the mode.
func (config *Config) ApplyDefaults() {
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.Mode == "" {
		config.Mode = processor.ModePerTree.String()
	}
	if config.Statistics == "" {
		config.Statistics = processor.StatsFull.String()
	}
	isCube := config.Mode == processor.ModeCube.String()
	if config.Extraction == "" {
		if isCube {
			config.Extraction = processor.ExtractWindow.String()
		} else {
			config.Extraction = processor.ExtractBBox.String()
		}
	}
	if config.WindowRadius == nil {
		r := DefaultWindowRadius
		config.WindowRadius = &r
	}
	if config.Mask == nil {
		m := !isCube
		config.Mask = &m
	}

	config.Tiles.Ext = strings.TrimPrefix(config.Tiles.Ext, ".")
	if config.Tiles.Ext == "" {
		config.Tiles.Ext = DefaultTileExt
	}
	if config.Output.Format == "" {
		config.Output.Format = "csv"
	}
	if config.Output.Table == "" {
		config.Output.Table = "tree"
	}
	if config.Cube.Format == "" {
		config.Cube.Format = "npy"
	}

	c := &config.Columns
	if c.TreeID == "" {
		c.TreeID = "treeID"
	}
	if c.Tile == "" {
		c.Tile = "tile_id"
	}
	if c.ApexX == "" {
		c.ApexX = "ttop_x"
	}
	if c.ApexY == "" {
		c.ApexY = "ttop_y"
	}
	if c.Filename == "" {
		c.Filename = "filename"
	}
}

// Validate checks the configuration after defaults are applied. Input
// paths must exist; the output directory is created by PrepareOutput.
func (config *Config) Validate() error {
	if config.Trees == "" {
		return fmt.Errorf("tree table path is required")
	}
	if _, err := os.Stat(config.Trees); err != nil {
		return fmt.Errorf("tree table: %v", err)
	}
	if config.Tiles.Dir == "" {
		return fmt.Errorf("tile directory is required")
	}
	if fi, err := os.Stat(config.Tiles.Dir); err != nil {
		return fmt.Errorf("tile directory: %v", err)
	} else if !fi.IsDir() {
		return fmt.Errorf("tile directory %s is not a directory", config.Tiles.Dir)
	}
	if config.Output.Path == "" {
		return fmt.Errorf("output path is required")
	}
	if config.Workers <= 0 {
		return fmt.Errorf("workers must be positive: %d", config.Workers)
	}
	if config.WindowRadius != nil && *config.WindowRadius < 0 {
		return fmt.Errorf("window_radius must not be negative: %d", *config.WindowRadius)
	}
	for _, b := range config.Bands {
		if b < 1 {
			return fmt.Errorf("bands are 1-based, got %d", b)
		}
	}
	if config.MemoryLimitMB < 0 {
		return fmt.Errorf("memory_limit_mb must not be negative: %d", config.MemoryLimitMB)
	}

	mode, err := processor.ParseMode(config.Mode)
	if err != nil {
		return err
	}
	if _, err := processor.ParseStatSet(config.Statistics); err != nil {
		return err
	}
	extraction, err := processor.ParseExtraction(config.Extraction)
	if err != nil {
		return err
	}
	if mode == processor.ModeCube && extraction != processor.ExtractWindow {
		return fmt.Errorf("cube mode requires window extraction")
	}

	if mode == processor.ModeCube {
		switch config.Cube.Format {
		case "npy", "gtiff":
		default:
			return fmt.Errorf("unknown cube format %q, expecting npy or gtiff", config.Cube.Format)
		}
		return nil
	}

	switch config.Output.Format {
	case "csv", "geojson", "sqlite", "parquet":
	case "postgres":
		if config.Output.DSN == "" {
			return fmt.Errorf("postgres output requires output.dsn")
		}
	default:
		return fmt.Errorf("unknown output format %q, expecting csv, geojson, sqlite, parquet or postgres", config.Output.Format)
	}
	return nil
}

// PrepareOutput creates the output directory.
func (config *Config) PrepareOutput() error {
	if err := os.MkdirAll(config.Output.Path, 0755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %v", config.Output.Path, err)
	}
	return nil
}

// PipelineOptions translates the configuration into processor options.
// The cube writer and the cache are wired by the caller.
func (config *Config) PipelineOptions() (processor.Options, error) {
	var opts processor.Options
	var err error
	if opts.Mode, err = processor.ParseMode(config.Mode); err != nil {
		return opts, err
	}
	if opts.Stats, err = processor.ParseStatSet(config.Statistics); err != nil {
		return opts, err
	}
	if opts.Crop.Extraction, err = processor.ParseExtraction(config.Extraction); err != nil {
		return opts, err
	}
	if config.WindowRadius != nil {
		opts.Crop.WindowRadius = *config.WindowRadius
	}
	if config.Mask != nil {
		opts.Crop.Mask = *config.Mask
	}
	opts.Crop.Bands = config.Bands
	return opts, nil
}

// FeatureFileExt is the file extension of the tabular output format.
func (config *Config) FeatureFileExt() string {
	switch config.Output.Format {
	case "geojson":
		return "geojson"
	case "sqlite":
		return "sqlite"
	case "parquet":
		return "parquet"
	default:
		return "csv"
	}
}
