package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/giobyte8/rescaler/internal/imaging"
	variantsgen "github.com/giobyte8/rescaler/internal/variants_gen"
)

// Config holds the settings shared by the rescaler binaries. Values
// come from defaults, then an optional YAML file, then environment
// variables, the later overriding the former.
type Config struct {

	// Root directory of original images. Requests carry paths
	// relative to it.
	DirOriginalsRoot string `yaml:"dir_originals_root"`

	Scaling   ScalingConfig   `yaml:"scaling"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ScalingConfig struct {
	Widths  []int    `yaml:"widths"`
	Quality *float64 `yaml:"quality"`

	// Imaging engine, "native" (default) or "lilliput".
	//
	// native handles jpg, png, gif, bmp and tif without cgo, but Go's
	// jpeg encoder always writes the standard Huffman tables. lilliput
	// handles jpg, png and webp and writes progressive jpegs with
	// optimized tables, usually a few percent smaller.
	Engine string `yaml:"engine"`

	// Resampling of the native engine. Ignored by lilliput.
	Interpolation string `yaml:"interpolation"`

	AllowedExtensions []string `yaml:"allowed_extensions"`
}

type TelemetryConfig struct {
	OtelEnabled       bool   `yaml:"otel_enabled"`
	CollectorEndpoint string `yaml:"collector_endpoint"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Scaling: ScalingConfig{
			Widths: variantsgen.DefaultWidths(),
			Engine: imaging.EngineNative,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at
// path (skipped when empty) and the process environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	if err := ApplyEnv(&cfg, os.Getenv); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// LoadFile overlays the YAML file at path on top of cfg.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return nil
}

// ApplyEnv overrides cfg with the variables getenv returns non
// empty values for.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("DIR_ORIGINALS_ROOT"); v != "" {
		cfg.DirOriginalsRoot = v
	}

	if v := getenv("SCALE_WIDTHS_PX"); v != "" {
		widths, err := ParseWidths(v)
		if err != nil {
			return fmt.Errorf("invalid SCALE_WIDTHS_PX: %w", err)
		}
		cfg.Scaling.Widths = widths
	}

	if v := getenv("SCALE_QUALITY"); v != "" {
		quality, err := ParseQuality(v)
		if err != nil {
			return fmt.Errorf("invalid SCALE_QUALITY: %w", err)
		}
		cfg.Scaling.Quality = quality
	}

	if v := getenv("SCALE_ENGINE"); v != "" {
		cfg.Scaling.Engine = strings.ToLower(strings.TrimSpace(v))
	}

	if v := getenv("SCALE_INTERPOLATION"); v != "" {
		cfg.Scaling.Interpolation = v
	}

	if v := getenv("SCALE_ALLOWED_EXTENSIONS"); v != "" {
		cfg.Scaling.AllowedExtensions = ParseList(v)
	}

	if v := getenv("OTEL_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid OTEL_ENABLED: %w", err)
		}
		cfg.Telemetry.OtelEnabled = enabled
	}

	if v := getenv("OTEL_COLLECTOR_GRPC_ENDPOINT"); v != "" {
		cfg.Telemetry.CollectorEndpoint = v
	}

	return nil
}

// Validate checks values that can not be checked while parsing,
// e.g. those coming from YAML.
func (c Config) Validate() error {
	if len(c.Scaling.Widths) == 0 {
		return errors.New("at least one scaling width is required")
	}

	for _, w := range c.Scaling.Widths {
		if w <= 0 {
			return fmt.Errorf("%w: %d", variantsgen.ErrInvalidWidth, w)
		}
	}

	if q := c.Scaling.Quality; q != nil && (*q < 0 || *q > 1) {
		return fmt.Errorf("%w: %v", variantsgen.ErrInvalidQuality, *q)
	}

	if _, err := imaging.NewCodec(c.Scaling.Engine, c.Scaling.Interpolation); err != nil {
		return err
	}

	if c.Telemetry.OtelEnabled && c.Telemetry.CollectorEndpoint == "" {
		return errors.New("OpenTelemetry is enabled but no collector endpoint is set")
	}

	return nil
}

// ParseWidths parses a comma separated list of widths like
// "256, 512,1024".
func ParseWidths(s string) ([]int, error) {
	var widths []int
	for _, ws := range strings.Split(s, ",") {

		// Trim spaces in case of "256, 512"
		width, err := strconv.Atoi(strings.TrimSpace(ws))
		if err != nil {
			return nil, fmt.Errorf("invalid width %q: %w", ws, err)
		}

		if width <= 0 {
			return nil, fmt.Errorf("%w: %d", variantsgen.ErrInvalidWidth, width)
		}

		widths = append(widths, width)
	}

	return widths, nil
}

// ParseQuality parses a compression quality in [0,1].
func ParseQuality(s string) (*float64, error) {
	quality, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid quality %q: %w", s, err)
	}

	if quality < 0 || quality > 1 {
		return nil, fmt.Errorf("%w: %v", variantsgen.ErrInvalidQuality, quality)
	}

	return &quality, nil
}

// ParseList splits a comma separated list, dropping blank items.
func ParseList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}

	return items
}

// LoadDotEnv loads variables from the .env file at path into the
// process environment, when such a file exists.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		slog.Warn("No .env file found, using environment variables directly.")
		return nil
	}

	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s file: %w", path, err)
	}

	return nil
}
