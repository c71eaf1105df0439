package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/giobyte8/rescaler/internal/config"
	"github.com/giobyte8/rescaler/internal/imaging"
	"github.com/giobyte8/rescaler/internal/logging"
	"github.com/giobyte8/rescaler/internal/models"
	"github.com/giobyte8/rescaler/internal/services"
	"github.com/giobyte8/rescaler/internal/telemetry/metrics"
	variantsgen "github.com/giobyte8/rescaler/internal/variants_gen"
)

const abortedMessage = "Scaled variant not smaller than original, no variants written"

// CLI flags
type options struct {
	configFile    string
	widths        []int
	quality       float64
	engine        string
	interpolation string
	extensions    []string
	logLevel      string
	json          bool
}

func newRootCmd(opts *options) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rescale <image>",
		Short: "Generate responsive variants of an image",
		Long: `Rescale writes downscaled copies of an image next to it, one per target
width, named scaled_<width>_<image>. Widths not smaller than the image are
skipped, and nothing is written when the first variant is not smaller than
the original file.

The default native engine handles jpg, png, gif, bmp and tif. Its jpegs use
the standard Huffman tables; the lilliput engine (jpg, png, webp) writes
progressive jpegs with optimized tables instead.

Examples:
  rescale photos/4k.jpg
  rescale photos/logo.png --widths 200,400 --quality 0.8
  rescale photos/banner.webp --engine lilliput`,
		Args: cobra.ExactArgs(1),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.Setup(cmd.ErrOrStderr(), opts.logLevel)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScale(cmd, opts, args[0])
		},
		SilenceUsage: true,
	}

	persistent := rootCmd.PersistentFlags()
	persistent.StringVar(&opts.configFile, "config", "", "YAML config file")
	persistent.StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")

	flags := rootCmd.Flags()
	flags.IntSliceVarP(&opts.widths, "widths", "w", nil, "Target widths in px (default from config)")
	flags.Float64VarP(&opts.quality, "quality", "q", 0, "Compression quality in [0,1] (default: codec default)")
	flags.StringVarP(&opts.engine, "engine", "e", "", "Imaging engine: native or lilliput (optimized jpeg Huffman tables)")
	flags.StringVar(&opts.interpolation, "interpolation", "", "Native engine interpolation: nearest, approx-bilinear, bilinear, catmull-rom")
	flags.StringSliceVar(&opts.extensions, "allowed-ext", nil, "Allowed source extensions (default: all the engine supports)")
	flags.BoolVar(&opts.json, "json", false, "Print variants as JSON")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "clean <image>",
		Short: "Remove every scaled variant of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(cmd, opts, args[0])
		},
	})

	return rootCmd
}

func main() {
	if err := newRootCmd(&options{}).Execute(); err != nil {
		os.Exit(1)
	}
}

// Loads the config file and environment, then applies the flags the
// user actually set.
func loadConfig(cmd *cobra.Command, opts *options) (config.Config, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("widths") {
		cfg.Scaling.Widths = opts.widths
	}
	if flags.Changed("quality") {
		quality := opts.quality
		cfg.Scaling.Quality = &quality
	}
	if flags.Changed("engine") {
		cfg.Scaling.Engine = opts.engine
	}
	if flags.Changed("interpolation") {
		cfg.Scaling.Interpolation = opts.interpolation
	}
	if flags.Changed("allowed-ext") {
		cfg.Scaling.AllowedExtensions = opts.extensions
	}

	return cfg, cfg.Validate()
}

// Builds a service rooted at the directory of the image, so the
// image itself is addressed by its base name.
func prepareService(
	cfg config.Config,
	imagePath string,
	recorder *metrics.RecorderMetricsSvc,
) (*services.VariantsService, string, error) {
	absPath, err := filepath.Abs(imagePath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve %s: %w", imagePath, err)
	}

	codec, err := imaging.NewCodec(cfg.Scaling.Engine, cfg.Scaling.Interpolation)
	if err != nil {
		return nil, "", err
	}

	pipeline := variantsgen.NewPipeline(
		codec,
		cfg.Scaling.AllowedExtensions,
		recorder,
	)

	svc := services.NewVariantsService(
		services.VariantsConfig{
			DirOriginalsRoot: filepath.Dir(absPath),
			Widths:           cfg.Scaling.Widths,
			Quality:          cfg.Scaling.Quality,
		},
		pipeline,
	)
	return svc, filepath.Base(absPath), nil
}

func runScale(cmd *cobra.Command, opts *options, imagePath string) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	recorder := metrics.NewRecorderMetricsSvc()
	svc, name, err := prepareService(cfg, imagePath, recorder)
	if err != nil {
		return err
	}

	variants, err := svc.ProcessScaleRequest(
		cmd.Context(),
		models.ScaleRequest{ScaleRequestId: uuid.New(), FilePath: name},
	)
	if err != nil {
		return err
	}

	if opts.json {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(variants)
	}

	if recorder.Count(metrics.ScaleAborted) > 0 {
		fmt.Fprintln(cmd.OutOrStdout(), abortedMessage)
		return nil
	}
	if len(variants) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No variants written")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tWIDTH\tHEIGHT\tSIZE")
	for _, v := range variants {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", v.Path(), v.Width, v.Height, v.Size)
	}
	return tw.Flush()
}

func runClean(cmd *cobra.Command, opts *options, imagePath string) error {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return err
	}

	svc, name, err := prepareService(cfg, imagePath, metrics.NewRecorderMetricsSvc())
	if err != nil {
		return err
	}

	return svc.ProcessDelRequest(
		cmd.Context(),
		models.VariantsDelRequest{DelRequestId: uuid.New(), FilePath: name},
	)
}
