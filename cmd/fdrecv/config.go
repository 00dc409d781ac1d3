package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

// config is everything fdrecv can be told on the command line or in --config.
type config struct {
	Socket        string
	Mode          string
	MaxSize       int
	FileMode      string
	Codec         string
	StatsInterval time.Duration
	MetricsAddr   string
	ImportImage   bool
	Format        string
}

func defaultConfig() config {
	return config{
		Mode:     "length-prefixed",
		MaxSize:  8 * 1024 * 1024,
		FileMode: "0770",
		Codec:    "json",
		Format:   "AR24",
	}
}

// fdrecv config.toml keys. They are the flag names.
type fileConfig struct {
	Socket        string `toml:"socket"`
	Mode          string `toml:"mode"`
	MaxSize       int    `toml:"max_size"`
	FileMode      string `toml:"file_mode"`
	Codec         string `toml:"codec"`
	StatsInterval string `toml:"stats_interval"`
	MetricsAddr   string `toml:"metrics_addr"`
	ImportImage   bool   `toml:"import_image"`
	Format        string `toml:"format"`
}

func bindFlags(fs *pflag.FlagSet, cfg *config) *string {
	fs.StringVar(&cfg.Socket, "socket", cfg.Socket, "Path of the Unix socket to listen on")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "Framing: bare, token or length-prefixed")
	fs.IntVar(&cfg.MaxSize, "max_size", cfg.MaxSize, "Largest token or payload accepted")
	fs.StringVar(&cfg.FileMode, "file_mode", cfg.FileMode, "Octal mode of the socket file")
	fs.StringVar(&cfg.Codec, "codec", cfg.Codec, "Payload encoding: json or cbor")
	fs.DurationVar(&cfg.StatsInterval, "stats_interval", cfg.StatsInterval, "Log the receive rate this often, 0 disables")
	fs.StringVar(&cfg.MetricsAddr, "metrics_addr", cfg.MetricsAddr, "Serve Prometheus metrics on this address at /metrics")
	fs.BoolVar(&cfg.ImportImage, "import_image", cfg.ImportImage, "Import each received dma-buf as an EGLImage using the payload's geometry")
	fs.StringVar(&cfg.Format, "format", cfg.Format, "Default DRM fourcc for --import_image")
	return fs.String("config", "", "TOML file with the same keys as the flags. Flags win.")
}

// overlayFile sets every key defined in the TOML file at path whose flag was not given.
func overlayFile(path string, fs *pflag.FlagSet, cfg *config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load fdrecv config: %w", err)
	}

	use := func(key string) bool {
		return meta.IsDefined(key) && !fs.Changed(key)
	}

	if use("socket") {
		cfg.Socket = strings.TrimSpace(raw.Socket)
	}
	if use("mode") {
		cfg.Mode = strings.TrimSpace(raw.Mode)
	}
	if use("max_size") {
		cfg.MaxSize = raw.MaxSize
	}
	if use("file_mode") {
		cfg.FileMode = strings.TrimSpace(raw.FileMode)
	}
	if use("codec") {
		cfg.Codec = strings.TrimSpace(raw.Codec)
	}
	if use("stats_interval") {
		d, err := time.ParseDuration(raw.StatsInterval)
		if err != nil {
			return fmt.Errorf("load fdrecv config: stats_interval: %w", err)
		}
		cfg.StatsInterval = d
	}
	if use("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if use("import_image") {
		cfg.ImportImage = raw.ImportImage
	}
	if use("format") {
		cfg.Format = strings.TrimSpace(raw.Format)
	}
	return nil
}

func (c config) validate() error {
	switch {
	case c.Socket == "":
		return fmt.Errorf("--socket must be set")
	case c.MaxSize < 1:
		return fmt.Errorf("--max_size must be positive, was %d", c.MaxSize)
	case c.StatsInterval < 0:
		return fmt.Errorf("--stats_interval cannot be negative")
	}
	if _, err := c.fileMode(); err != nil {
		return err
	}
	return nil
}

func (c config) fileMode() (os.FileMode, error) {
	m, err := strconv.ParseUint(c.FileMode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("--file_mode %q is not an octal mode: %w", c.FileMode, err)
	}
	return os.FileMode(m), nil
}
