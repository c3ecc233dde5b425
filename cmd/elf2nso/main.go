package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	"github.com/spf13/afero"
	"gopkg.in/alecthomas/kingpin.v2"

	_ "github.com/grafana/elf2nso/pkg/build"
	elfcontext "github.com/grafana/elf2nso/pkg/context"
	"github.com/grafana/elf2nso/pkg/nso"
)

const envPrefix = "ELF2NSO_"

var cfg struct {
	verbose     bool
	metricsFile string
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

type commander interface {
	Flag(name, help string) *kingpin.FlagClause
	Arg(name, help string) *kingpin.ArgClause
}

func main() {
	ctx := withOutput(context.Background(), os.Stdout)

	app := kingpin.New(filepath.Base(os.Args[0]), "Convert AArch64 ELF executables into NSO0 images.").UsageWriter(os.Stdout)
	app.Version(version.Print("elf2nso"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("false").Envar(envPrefix + "VERBOSE").BoolVar(&cfg.verbose)
	app.Flag("metrics.file", "Write the Prometheus metrics of the run to this file.").Default("").Envar(envPrefix + "METRICS_FILE").StringVar(&cfg.metricsFile)

	convertCmd := app.Command("convert", "Convert an ELF executable into an NSO0 image.").Default()
	convertParams := addConvertParams(convertCmd)

	// parse command line arguments
	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	// enable verbose logging if requested
	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	reg := prometheus.NewRegistry()
	ctx = elfcontext.WithLogger(ctx, logger)
	ctx = elfcontext.WithRegistry(ctx, reg)

	var err error
	switch parsedCmd {
	case convertCmd.FullCommand():
		app.FatalIfError(convertParams.config.Validate(), "invalid configuration")
		err = convert(ctx, afero.NewOsFs(), convertParams)
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
		os.Exit(1)
	}

	if cfg.metricsFile != "" {
		if merr := prometheus.WriteToTextfile(cfg.metricsFile, reg); merr != nil {
			level.Warn(logger).Log("msg", "failed to write metrics", "file", cfg.metricsFile, "err", merr)
		}
	}
	os.Exit(checkError(os.Stderr, err))
}

func checkError(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "%s %s: %v\n", color.RedString("error:"), nso.ReasonOf(err), err)
	return 1
}

type contextKey uint8

const (
	contextKeyOutput contextKey = iota
)

func withOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, contextKeyOutput, w)
}

func output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(contextKeyOutput).(io.Writer); ok {
		return w
	}
	return os.Stdout
}
