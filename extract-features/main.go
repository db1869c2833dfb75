package main

/* extract-features crops every tree of a tree table out of the raster
   tile it belongs to and reduces the crop to per-band spectral
   statistics, or writes it out as a sub-cube. Tiles are processed in
   parallel, one task per tile. A run is described by a YAML config
   file; command line flags override its values. */

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/nci/treespec/metrics"
	proc "github.com/nci/treespec/processor"
	"github.com/nci/treespec/utils"
	"github.com/nci/treespec/worker/gdaltile"
	"golang.org/x/crypto/ssh/terminal"
)

// runFlags are the command line options. Any flag set on the command line
// overrides the matching value of the config file.
type runFlags struct {
	configFile *string
	treesPath  *string
	tileDir    *string
	tileExt    *string
	outPath    *string
	format     *string
	mode       *string
	statistics *string
	extraction *string
	radius     *int
	mask       *bool
	workers    *int
	filterExpr *string
	logDir     *string
	verbose    *bool
}

func newFlagSet(name string) (*flag.FlagSet, *runFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	f := &runFlags{
		configFile: fs.String("config", "", "YAML run configuration."),
		treesPath:  fs.String("trees", "", "Tree table: a GeoJSON file or a directory of per-tile GeoJSON files."),
		tileDir:    fs.String("tiles", "", "Directory of raster tiles named {tile_id}.{ext}."),
		tileExt:    fs.String("ext", "", "Tile file extension."),
		outPath:    fs.String("out", "", "Output directory."),
		format:     fs.String("format", "", "Feature output format [csv, geojson, sqlite, parquet, postgres]."),
		mode:       fs.String("mode", "", "Extraction mode [per_tree, tile_batch, cube]."),
		statistics: fs.String("stats", "", "Statistic set [full, mean]."),
		extraction: fs.String("extraction", "", "Crop strategy [bbox, window]."),
		radius:     fs.Int("radius", -1, "Treetop window radius in pixels."),
		mask:       fs.Bool("mask", true, "Mask pixels outside the crown."),
		workers:    fs.Int("n", 0, "Number of tiles processed concurrently."),
		filterExpr: fs.String("filter", "", "Boolean expression over tree attributes selecting the trees to process."),
		logDir:     fs.String("log_dir", "", "Metrics log directory, '-' for stdout."),
		verbose:    fs.Bool("v", false, "Verbose mode."),
	}
	return fs, f
}

var (
	Error = log.New(os.Stderr, "TREESPEC: ", log.Ldate|log.Ltime|log.Lshortfile)
	Info  = log.New(os.Stdout, "TREESPEC: ", log.Ldate|log.Ltime|log.Lshortfile)
)

// tileStoreFactory opens the raster tiles of a configured run.
type tileStoreFactory func(config *utils.Config) proc.TileStore

func gdalTileStore(config *utils.Config) proc.TileStore {
	return gdaltile.NewTileStore(config.Tiles.Dir, config.Tiles.Ext, config.Tiles.Preload)
}

// applyFlags overrides config values with the flags set on the command
// line.
func applyFlags(fs *flag.FlagSet, f *runFlags, config *utils.Config) {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "trees":
			config.Trees = *f.treesPath
		case "tiles":
			config.Tiles.Dir = *f.tileDir
		case "ext":
			config.Tiles.Ext = *f.tileExt
		case "out":
			config.Output.Path = *f.outPath
		case "format":
			config.Output.Format = *f.format
		case "mode":
			config.Mode = *f.mode
		case "stats":
			config.Statistics = *f.statistics
		case "extraction":
			config.Extraction = *f.extraction
		case "radius":
			config.WindowRadius = f.radius
		case "mask":
			config.Mask = f.mask
		case "n":
			config.Workers = *f.workers
		case "filter":
			config.Filter = *f.filterExpr
		case "log_dir":
			config.Metrics.LogDir = *f.logDir
		case "v":
			config.Verbose = *f.verbose
		}
	})
}

func loadConfig(fs *flag.FlagSet, f *runFlags) (*utils.Config, error) {
	config := &utils.Config{}
	if len(*f.configFile) > 0 {
		if err := config.LoadConfigFile(*f.configFile); err != nil {
			return nil, err
		}
	}
	applyFlags(fs, f, config)
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func newMetricsLogger(config *utils.Config) (metrics.Logger, func()) {
	switch config.Metrics.LogDir {
	case "":
		return nil, func() {}
	case "-":
		return metrics.NewStdoutLogger(), func() {}
	default:
		l := metrics.NewFileLogger(config.Metrics.LogDir, config.Metrics.MaxLogFileSize, config.Metrics.MaxLogFiles, config.Verbose)
		return l, l.Close
	}
}

func newCubeWriter(config *utils.Config) proc.CubeWriter {
	if config.Cube.Format == "gtiff" {
		return gdaltile.NewGTiffCubeWriter(config.Output.Path)
	}
	return &proc.NpyCubeWriter{Dir: config.Output.Path}
}

func writeFeatures(config *utils.Config, table *proc.FeatureTable) error {
	if config.Output.Format == "postgres" {
		db, err := utils.OpenPostgresSink(config.Output.DSN, config.Output.Table)
		if err != nil {
			return err
		}
		defer db.Close()
		return db.WriteTable(table, config.Columns)
	}

	paths, parts := utils.FeatureFilePaths(config.Output.Path, config.FeatureFileExt(), table, config.Output.PerTile)
	for i, path := range paths {
		if err := utils.WriteFeatureFile(path, config.Output.Format, parts[i], config.Columns); err != nil {
			return err
		}
		if config.Verbose {
			Info.Printf("wrote %d trees to %s", parts[i].Len(), path)
		}
	}
	return nil
}

func writeSummary(path string, summary *proc.RunSummary) error {
	return proc.WriteFileAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	})
}

func inRed(str string) string {
	return fmt.Sprintf("\x1b[31;1m%s\x1b[0m", str)
}

// run executes one extraction and returns the process exit code: 0 when
// at least one tile succeeded, 1 otherwise, 2 on bad command line usage.
func run(args []string, stdout io.Writer, newStore tileStoreFactory) int {
	fs, f := newFlagSet("extract-features")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	config, err := loadConfig(fs, f)
	if err != nil {
		Error.Printf("Error in loading config: %v", err)
		return 1
	}
	if err := config.PrepareOutput(); err != nil {
		Error.Printf("%v", err)
		return 1
	}

	opts, err := config.PipelineOptions()
	if err != nil {
		Error.Printf("%v", err)
		return 1
	}

	trees, err := utils.LoadTrees(config.Trees, config.Columns)
	if err != nil {
		Error.Printf("Error in loading trees: %v", err)
		return 1
	}

	filter, err := utils.ParseTreeFilter(config.Filter)
	if err != nil {
		Error.Printf("%v", err)
		return 1
	}
	if filter != nil {
		if err := filter.Validate(utils.AttributeColumns(trees, config.Columns)); err != nil {
			Error.Printf("%v", err)
			return 1
		}
	}
	trees, filtered, err := filter.Apply(trees)
	if err != nil {
		Error.Printf("%v", err)
		return 1
	}

	if opts.Mode == proc.ModeCube {
		opts.CubeWriter = newCubeWriter(config)
	}
	if len(config.Cache.Memcache) > 0 {
		opts.Cache = proc.NewMemcacheFeatureCache(config.Cache.Memcache...)
	}

	metricsLogger, closeMetrics := newMetricsLogger(config)
	defer closeMetrics()

	runID := uuid.New().String()
	parts := proc.PartitionByTile(trees)
	Info.Printf("run %s: %d trees in %d tiles, %d filtered out", runID, len(trees), len(parts), filtered)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	scheduler := &proc.Scheduler{
		Store:         newStore(config),
		Workers:       config.Workers,
		Options:       opts,
		MemoryLimit:   uint64(config.MemoryLimitMB) << 20,
		RunID:         runID,
		MetricsLogger: metricsLogger,
		Verbose:       config.Verbose,
	}
	results, err := scheduler.Run(ctx, parts)
	if err != nil {
		Error.Printf("%v", err)
		return 1
	}

	summary := proc.Summarize(runID, opts.Mode, results, filtered)
	if opts.Mode != proc.ModeCube && summary.Succeeded() {
		table, err := proc.Collate(results)
		if err != nil {
			Error.Printf("Error in collating features: %v", err)
			return 1
		}
		if err := writeFeatures(config, table); err != nil {
			Error.Printf("Error in writing features: %v", err)
			return 1
		}
	}

	if err := writeSummary(filepath.Join(config.Output.Path, "summary.json"), summary); err != nil {
		Error.Printf("Error in writing run summary: %v", err)
	}

	var highlight func(string) string
	if out, ok := stdout.(*os.File); ok && terminal.IsTerminal(int(out.Fd())) {
		highlight = inRed
	}
	summary.Print(stdout, highlight)

	if !summary.Succeeded() {
		Error.Printf("no tile succeeded: %s", strings.Join(failedTileIDs(summary), ", "))
		return 1
	}
	return 0
}

func failedTileIDs(summary *proc.RunSummary) []string {
	ids := make([]string, len(summary.FailedTiles))
	for i, f := range summary.FailedTiles {
		ids[i] = f.TileID
	}
	return ids
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, gdalTileStore))
}
