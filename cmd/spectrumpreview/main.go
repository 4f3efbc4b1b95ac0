// Command spectrumpreview renders the hue mapping of a spectrum asset, and
// optionally a corrected sample image.
package main

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"

	"github.com/bamiaux/rez"
	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/pgaskin/chromabridge/correction"
	"github.com/pgaskin/chromabridge/noise"
	"github.com/pgaskin/chromabridge/preview"
	"github.com/pgaskin/chromabridge/spectrum"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
	_ "image/jpeg"
)

var (
	Strength = pflag.Float64P("strength", "s", 1, "Correction strength (0-1)")
	Width    = pflag.IntP("width", "w", 720, "Strip width")
	Band     = pflag.Int("band", 24, "Strip band height")
	Sample   = pflag.StringP("image", "i", "", "Sample image to correct")
	Noise    = pflag.StringP("noise", "n", "", "Noise pattern for selecting the secondary spectrum")
	Size     = pflag.Int("size", 480, "Maximum sample image width and height")
	GPU      = pflag.Bool("gpu", false, "Correct the sample image on the GPU if available")
	Output   = pflag.StringP("output", "o", "preview.png", "Output PNG")
	Verbose  = pflag.BoolP("verbose", "v", false, "Show debug logs")
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [options] spectrum.json\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
	}
	pflag.Parse()

	if pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	if err := run(logger, pflag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, name string) error {
	pair, err := spectrum.Load(name)
	if err != nil {
		return err
	}
	if pair.Extra != 0 {
		logger.Warn("ignoring extra spectra", "count", pair.Extra)
	}

	params := &correction.Params{
		Strength: *Strength,
		Primary:  pair.Primary.Lookup(spectrum.TableSize),
	}
	tables := []*spectrum.Table{params.Primary}
	if pair.Dual() {
		params.Secondary = pair.Secondary.Lookup(spectrum.TableSize)
		tables = append(tables, params.Secondary)
	}
	out := preview.Strip(*Width, *Band, *Strength, tables...)

	if *Sample != "" {
		sample, err := correctSample(logger, params)
		if err != nil {
			return err
		}
		out = preview.Stack(sample, out)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := os.WriteFile(*Output, buf.Bytes(), 0644); err != nil {
		return err
	}
	logger.Info("wrote preview", "path", *Output, "size", out.Rect.Size().String(), "bytes", humanize.IBytes(uint64(buf.Len())))
	return nil
}

// correctSample returns the sample image next to its corrected version.
func correctSample(logger *slog.Logger, params *correction.Params) (image.Image, error) {
	f, err := os.Open(*Sample)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode sample: %w", err)
	}

	sz := img.Bounds().Size()
	if sz.X > *Size || sz.Y > *Size {
		sz = image.Pt(*Size, *Size)
	}
	src, err := preview.Fit(img, sz, rez.NewBicubicFilter())
	if err != nil {
		return nil, err
	}
	logger.Debug("loaded sample", "path", *Sample, "size", src.Rect.Size().String())

	if *Noise != "" {
		p, err := noise.Load(*Noise)
		if err != nil {
			return nil, err
		}
		params.Mask = p.Fit(src.Rect.Dx(), src.Rect.Dy())
	}

	var proc correction.Processor
	if *GPU {
		proc = correction.New(logger)
	} else {
		proc = correction.NewCPU(0)
	}
	defer proc.Close()

	dst := image.NewRGBA(src.Rect)
	if err := proc.Process(dst, src, params); err != nil {
		return nil, fmt.Errorf("correct sample (%s): %w", proc.Name(), err)
	}
	return preview.SideBySide(src, dst), nil
}
