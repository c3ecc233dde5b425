package main

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"go.yaml.in/yaml/v3"

	"github.com/grafana/elf2nso/pkg/nso"
)

const (
	summaryNone  = "none"
	summaryTable = "table"
	summaryYAML  = "yaml"
)

type segmentSummary struct {
	Name           string `yaml:"name"`
	FileOffset     uint32 `yaml:"file_offset"`
	Address        uint32 `yaml:"address"`
	Size           uint32 `yaml:"size"`
	CompressedSize uint32 `yaml:"compressed_size"`
	AlignOrBSS     string `yaml:"align_or_bss"`
	SHA256         string `yaml:"sha256"`
}

type summary struct {
	Input      string           `yaml:"input"`
	Output     string           `yaml:"output"`
	InputSize  uint64           `yaml:"input_size"`
	OutputSize uint64           `yaml:"output_size"`
	Config     nso.Config       `yaml:"config"`
	Segments   []segmentSummary `yaml:"segments"`
}

func newSummary(params *convertParams, inputSize uint64, hdr *nso.Header) summary {
	return summary{
		Input:      params.input,
		Output:     params.output,
		InputSize:  inputSize,
		OutputSize: uint64(nso.HeaderSize) + hdr.PayloadSize(),
		Config:     params.config,
		Segments: lo.Map(nso.SegmentKinds[:], func(kind nso.SegmentKind, _ int) segmentSummary {
			sh := hdr.Segment(kind)
			return segmentSummary{
				Name:           kind.String(),
				FileOffset:     sh.FileOff,
				Address:        sh.DstOff,
				Size:           sh.DecompSz,
				CompressedSize: hdr.CompSz[kind],
				AlignOrBSS:     sh.Size(kind).String(),
				SHA256:         hex.EncodeToString(hdr.Hashes[kind][:]),
			}
		}),
	}
}

func writeSummary(w io.Writer, format string, s summary) error {
	switch format {
	case "", summaryNone:
		return nil
	case summaryTable:
		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"Segment", "File offset", "Address", "Size", "Compressed", "Align/BSS", "SHA-256"})
		for _, seg := range s.Segments {
			table.Append([]string{
				seg.Name,
				fmt.Sprintf("%#x", seg.FileOffset),
				fmt.Sprintf("%#x", seg.Address),
				humanize.Bytes(uint64(seg.Size)),
				humanize.Bytes(uint64(seg.CompressedSize)),
				seg.AlignOrBSS,
				seg.SHA256[:16],
			})
		}
		size := lo.SumBy(s.Segments, func(seg segmentSummary) uint64 { return uint64(seg.Size) })
		compressed := lo.SumBy(s.Segments, func(seg segmentSummary) uint64 { return uint64(seg.CompressedSize) })
		table.SetFooter([]string{"Total", "", "", humanize.Bytes(size), humanize.Bytes(compressed), "", ""})
		table.Render()
		return nil
	case summaryYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown summary format %q", format)
	}
}
