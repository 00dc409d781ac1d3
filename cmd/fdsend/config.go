package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

// config is everything fdsend can be told on the command line or in --config.
type config struct {
	Socket   string
	Mode     string
	Files    []string
	Token    string
	Payload  string
	Codec    string
	Count    int
	Interval time.Duration
	Watch    bool
}

func defaultConfig() config {
	return config{
		Mode:  "bare",
		Codec: "json",
		Count: 1,
	}
}

// fdsend config.toml keys. They are the flag names.
type fileConfig struct {
	Socket   string   `toml:"socket"`
	Mode     string   `toml:"mode"`
	Files    []string `toml:"file"`
	Token    string   `toml:"token"`
	Payload  string   `toml:"payload"`
	Codec    string   `toml:"codec"`
	Count    int      `toml:"count"`
	Interval string   `toml:"interval"`
	Watch    bool     `toml:"watch"`
}

func bindFlags(fs *pflag.FlagSet, cfg *config) *string {
	fs.StringVar(&cfg.Socket, "socket", cfg.Socket, "Path of the receiver's Unix socket")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "Framing: bare, token or length-prefixed")
	fs.StringSliceVar(&cfg.Files, "file", cfg.Files, "Files whose descriptors are sent, in order")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "Token sent in token mode")
	fs.StringVar(&cfg.Payload, "payload", cfg.Payload, "JSON payload sent in length-prefixed mode")
	fs.StringVar(&cfg.Codec, "codec", cfg.Codec, "Payload encoding on the wire: json or cbor")
	fs.IntVar(&cfg.Count, "count", cfg.Count, "How many times to send")
	fs.DurationVar(&cfg.Interval, "interval", cfg.Interval, "Time between sends")
	fs.BoolVar(&cfg.Watch, "watch", cfg.Watch, "Reconnect as soon as the socket file changes")
	return fs.String("config", "", "TOML file with the same keys as the flags. Flags win.")
}

// overlayFile sets every key defined in the TOML file at path whose flag was not given.
func overlayFile(path string, fs *pflag.FlagSet, cfg *config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load fdsend config: %w", err)
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
	if use("file") {
		cfg.Files = raw.Files
	}
	if use("token") {
		cfg.Token = raw.Token
	}
	if use("payload") {
		cfg.Payload = raw.Payload
	}
	if use("codec") {
		cfg.Codec = strings.TrimSpace(raw.Codec)
	}
	if use("count") {
		cfg.Count = raw.Count
	}
	if use("interval") {
		d, err := time.ParseDuration(raw.Interval)
		if err != nil {
			return fmt.Errorf("load fdsend config: interval: %w", err)
		}
		cfg.Interval = d
	}
	if use("watch") {
		cfg.Watch = raw.Watch
	}
	return nil
}

func (c config) validate() error {
	switch {
	case c.Socket == "":
		return fmt.Errorf("--socket must be set")
	case c.Count < 1:
		return fmt.Errorf("--count must be at least 1, was %d", c.Count)
	case c.Interval < 0:
		return fmt.Errorf("--interval cannot be negative")
	}
	return nil
}
