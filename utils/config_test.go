package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nci/treespec/processor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFile(t *testing.T) {
	var config Config
	require.NoError(t, config.LoadConfigFile("testdata/run.yaml"))
	config.ApplyDefaults()

	assert.Equal(t, "testdata/trees.geojson", config.Trees)
	assert.Equal(t, "tif", config.Tiles.Ext)
	assert.Equal(t, "sqlite", config.Output.Format)
	assert.Equal(t, 4, config.Workers)
	assert.Equal(t, []int{1, 2, 3}, config.Bands)
	assert.Equal(t, []string{"localhost:11211"}, config.Cache.Memcache)
	assert.Equal(t, 512, config.MemoryLimitMB)
	assert.Equal(t, "treeID", config.Columns.TreeID)
	assert.Equal(t, "bbox", config.Extraction)
	require.NotNil(t, config.Mask)
	assert.True(t, *config.Mask)
	assert.Equal(t, DefaultWindowRadius, *config.WindowRadius)

	require.NoError(t, config.Validate())

	opts, err := config.PipelineOptions()
	require.NoError(t, err)
	assert.Equal(t, processor.ModeTileBatch, opts.Mode)
	assert.Equal(t, processor.StatsMean, opts.Stats)
	assert.Equal(t, processor.ExtractBBox, opts.Crop.Extraction)
	assert.True(t, opts.Crop.Mask)
	assert.Equal(t, []int{1, 2, 3}, opts.Crop.Bands)
	assert.Equal(t, "sqlite", config.FeatureFileExt())
}

func TestLoadConfigFileErrors(t *testing.T) {
	var config Config
	assert.Error(t, config.LoadConfigFile("testdata/missing.yaml"))

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("workers: 2\nunknown_key: 1\n"), 0644))
	assert.Error(t, config.LoadConfigFile(bad))
}

func TestCubeDefaults(t *testing.T) {
	config := Config{Mode: "cube"}
	config.ApplyDefaults()
	assert.Equal(t, "window", config.Extraction)
	assert.False(t, *config.Mask)
	assert.Equal(t, "npy", config.Cube.Format)
}

func TestFeatureFileExt(t *testing.T) {
	for format, ext := range map[string]string{"csv": "csv", "geojson": "geojson", "sqlite": "sqlite", "parquet": "parquet"} {
		c := Config{Output: OutputConfig{Format: format}}
		assert.Equal(t, ext, c.FeatureFileExt(), format)
	}

	c := Config{Trees: "testdata/trees.geojson", Tiles: TilesConfig{Dir: "testdata"}, Output: OutputConfig{Path: t.TempDir(), Format: "parquet"}}
	c.ApplyDefaults()
	assert.NoError(t, c.Validate())
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		c := Config{Trees: "testdata/trees.geojson", Tiles: TilesConfig{Dir: "testdata"}, Output: OutputConfig{Path: t.TempDir()}}
		c.ApplyDefaults()
		return c
	}

	c := valid()
	require.NoError(t, c.Validate())

	cases := []struct {
		name   string
		modify func(c *Config)
	}{
		{"missing trees", func(c *Config) { c.Trees = "testdata/nope.geojson" }},
		{"tile dir is a file", func(c *Config) { c.Tiles.Dir = "testdata/run.yaml" }},
		{"no output", func(c *Config) { c.Output.Path = "" }},
		{"cube with bbox", func(c *Config) { c.Mode = "cube"; c.Extraction = "bbox" }},
		{"bad mode", func(c *Config) { c.Mode = "fast" }},
		{"bad statistics", func(c *Config) { c.Statistics = "median" }},
		{"bad format", func(c *Config) { c.Output.Format = "xlsx" }},
		{"postgres without dsn", func(c *Config) { c.Output.Format = "postgres" }},
		{"zero band", func(c *Config) { c.Bands = []int{0} }},
		{"negative radius", func(c *Config) { r := -1; c.WindowRadius = &r }},
		{"bad cube format", func(c *Config) { c.Mode = "cube"; c.Extraction = "window"; c.Cube.Format = "zarr" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.modify(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestPrepareOutput(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	c := Config{Output: OutputConfig{Path: dir}}
	require.NoError(t, c.PrepareOutput())
	fi, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}
