package main

import (
	"context"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/spf13/afero"

	elfcontext "github.com/grafana/elf2nso/pkg/context"
	"github.com/grafana/elf2nso/pkg/nso"
	"github.com/grafana/elf2nso/pkg/util/atexit"
	"github.com/grafana/elf2nso/pkg/util/fsutil"
)

type convertParams struct {
	input   string
	output  string
	atomic  bool
	summary string
	config  nso.Config
}

func addConvertParams(cmd commander) *convertParams {
	def := nso.DefaultConfig()
	params := &convertParams{}
	cmd.Arg("input", "ELF executable to convert.").Required().StringVar(&params.input)
	cmd.Arg("output", "Path of the NSO0 image to write.").Required().StringVar(&params.output)
	cmd.Flag("parallelism", "Number of segments hashed and compressed concurrently.").Default(strconv.Itoa(def.Parallelism)).Envar(envPrefix + "PARALLELISM").IntVar(&params.config.Parallelism)
	cmd.Flag("compression-level", "LZ4 compression level: fast, or 1 to 9 for high compression.").Default(def.CompressionLevel).Envar(envPrefix + "COMPRESSION_LEVEL").StringVar(&params.config.CompressionLevel)
	cmd.Flag("atomic", "Write to a temporary file and rename it into place once complete.").Default("true").Envar(envPrefix + "ATOMIC").BoolVar(&params.atomic)
	cmd.Flag("summary", "Print a summary of the written image: none, table or yaml.").Default(summaryNone).Envar(envPrefix+"SUMMARY").EnumVar(&params.summary, summaryNone, summaryTable, summaryYAML)
	return params
}

func convert(ctx context.Context, fs afero.Fs, params *convertParams) error {
	logger := elfcontext.Logger(ctx)

	opts, err := params.config.Options()
	if err != nil {
		return err
	}

	in, err := fsutil.ReadFile(fs, params.input)
	if err != nil {
		return nso.Wrapf(nso.NoInput, err, "failed to read input")
	}

	out, err := fsutil.Create(fs, params.output, params.atomic)
	if err != nil {
		return nso.Wrapf(nso.OutputUnavailable, err, "failed to open output")
	}
	unregister := atexit.Register(func() { _ = out.Abort() })
	defer unregister()

	opts = append(opts,
		nso.WithLogger(logger),
		nso.WithMetrics(nso.NewMetrics(elfcontext.Registry(ctx))),
	)
	hdr, err := nso.Convert(ctx, in, out, opts...)
	if err != nil {
		if aerr := out.Abort(); aerr != nil {
			level.Warn(logger).Log("msg", "failed to discard output", "file", params.output, "err", aerr)
		}
		return err
	}
	if err = out.Commit(); err != nil {
		return nso.Wrapf(nso.WriteFailed, err, "failed to finish output")
	}

	outSize := uint64(nso.HeaderSize) + hdr.PayloadSize()
	level.Info(logger).Log(
		"msg", "converted",
		"input", params.input,
		"output", params.output,
		"input_size", humanize.Bytes(uint64(len(in))),
		"output_size", humanize.Bytes(outSize),
	)

	return writeSummary(output(ctx), params.summary, newSummary(params, uint64(len(in)), hdr))
}
