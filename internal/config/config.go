// Package config holds the settings of a computercore host.
//
// Settings are read from a TOML or YAML file, chosen by extension, on top
// of [Default]. Environment variables prefixed COMPUTERCORE_ then override
// individual settings, and [Watcher] reloads the file when it changes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	apihttp "github.com/dshills/computercore/internal/apis/http"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config is the complete set of host settings.
type Config struct {
	LogLevel string `toml:"log_level" yaml:"log_level"`
	// SaveDir holds computer and disk data and the state database.
	// When empty, data lives in memory.
	SaveDir string `toml:"save_dir" yaml:"save_dir"`
	// ROMDir replaces the built-in resources when set. It is a directory or
	// a zip (or jar) archive holding computercore/lua/bios.lua and
	// computercore/lua/rom.
	ROMDir string `toml:"rom_dir" yaml:"rom_dir"`

	ComputerSpaceLimit int64 `toml:"computer_space_limit" yaml:"computer_space_limit"`
	FloppySpaceLimit   int64 `toml:"floppy_space_limit" yaml:"floppy_space_limit"`
	MaximumOpenFiles   int   `toml:"maximum_open_files" yaml:"maximum_open_files"`
	ComputerThreads    int   `toml:"computer_threads" yaml:"computer_threads"`

	MaxMainGlobalTime     Duration `toml:"max_main_global_time" yaml:"max_main_global_time"`
	MaxMainComputerTime   Duration `toml:"max_main_computer_time" yaml:"max_main_computer_time"`
	AbortTimeout          Duration `toml:"abort_timeout" yaml:"abort_timeout"`
	MainThreadTaskTimeout Duration `toml:"main_thread_task_timeout" yaml:"main_thread_task_timeout"`
	MaxEventQueue         int      `toml:"max_event_queue" yaml:"max_event_queue"`

	Terminal Terminal `toml:"terminal" yaml:"terminal"`
	HTTP     HTTP     `toml:"http" yaml:"http"`
	Upload   Upload   `toml:"upload" yaml:"upload"`
}

// Terminal sets the size of computer terminals.
type Terminal struct {
	Width  int  `toml:"width" yaml:"width"`
	Height int  `toml:"height" yaml:"height"`
	Colour bool `toml:"colour" yaml:"colour"`
}

// HTTP configures the http API.
type HTTP struct {
	Enabled             bool     `toml:"enabled" yaml:"enabled"`
	WebsocketEnabled    bool     `toml:"websocket_enabled" yaml:"websocket_enabled"`
	MaxRequests         int      `toml:"max_requests" yaml:"max_requests"`
	MaxWebsockets       int      `toml:"max_websockets" yaml:"max_websockets"`
	DownloadBandwidth   int      `toml:"download_bandwidth" yaml:"download_bandwidth"`
	UploadBandwidth     int      `toml:"upload_bandwidth" yaml:"upload_bandwidth"`
	Timeout             Duration `toml:"timeout" yaml:"timeout"`
	MaxDownload         int64    `toml:"max_download" yaml:"max_download"`
	MaxUpload           int64    `toml:"max_upload" yaml:"max_upload"`
	MaxWebsocketMessage int64    `toml:"max_websocket_message" yaml:"max_websocket_message"`
	Rules               []Rule   `toml:"rules" yaml:"rules"`
}

// Rule is one entry of the HTTP host rules. Action is "allow" or "deny".
type Rule struct {
	Host   string `toml:"host" yaml:"host"`
	Action string `toml:"action" yaml:"action"`
}

// Upload limits file uploads.
type Upload struct {
	MaxSize int `toml:"max_size" yaml:"max_size"`
}

// Default returns the default settings.
func Default() *Config {
	return &Config{
		LogLevel:              "info",
		ComputerSpaceLimit:    1_000_000,
		FloppySpaceLimit:      125_000,
		MaximumOpenFiles:      128,
		ComputerThreads:       1,
		MaxMainGlobalTime:     Duration(10 * time.Millisecond),
		MaxMainComputerTime:   Duration(5 * time.Millisecond),
		AbortTimeout:          Duration(7 * time.Second),
		MainThreadTaskTimeout: Duration(30 * time.Second),
		MaxEventQueue:         256,
		Terminal: Terminal{
			Width:  51,
			Height: 19,
			Colour: true,
		},
		HTTP: HTTP{
			Enabled:             true,
			WebsocketEnabled:    true,
			MaxRequests:         16,
			MaxWebsockets:       4,
			DownloadBandwidth:   32 << 20,
			UploadBandwidth:     32 << 20,
			Timeout:             Duration(30 * time.Second),
			MaxDownload:         16 << 20,
			MaxUpload:           4 << 20,
			MaxWebsocketMessage: 128 << 10,
			Rules: []Rule{
				{Host: apihttp.PrivateHost, Action: "deny"},
				{Host: "*", Action: "allow"},
			},
		},
		Upload: Upload{
			MaxSize: 512 << 10,
		},
	}
}

// Load reads the settings file at path over the defaults, applies
// environment overrides and validates the result. An empty path loads only
// the defaults and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if err := cfg.decode(path, data); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.Environ()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ErrUnknownFormat is returned for files that are neither TOML nor YAML.
var ErrUnknownFormat = errors.New("unknown config format")

func (cfg *Config) decode(path string, data []byte) error {
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(cfg)
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err = dec.Decode(cfg); errors.Is(err, io.EOF) {
			err = nil
		}
	default:
		return &ParseError{Path: path, Err: ErrUnknownFormat}
	}
	if err != nil {
		return &ParseError{Path: path, Err: err}
	}
	return nil
}

// Clone returns a deep copy of cfg.
func (cfg *Config) Clone() *Config {
	c := *cfg
	c.HTTP.Rules = append([]Rule(nil), cfg.HTTP.Rules...)
	return &c
}

// HostRules converts the configured host rules.
func (h *HTTP) HostRules() (apihttp.Rules, error) {
	rules := make(apihttp.Rules, 0, len(h.Rules))
	for i, r := range h.Rules {
		var allow bool
		switch strings.ToLower(r.Action) {
		case "allow":
			allow = true
		case "deny":
		default:
			return nil, &ValidationError{
				Path:    fmt.Sprintf("http.rules[%d].action", i),
				Message: fmt.Sprintf("must be allow or deny, got %q", r.Action),
			}
		}
		rules = append(rules, apihttp.Rule{Host: r.Host, Allow: allow})
	}
	if err := rules.Validate(); err != nil {
		return nil, &ValidationError{Path: "http.rules", Message: err.Error()}
	}
	return rules, nil
}

// Options converts the configured request limits.
func (h *HTTP) Options() apihttp.Options {
	return apihttp.Options{
		Timeout:          h.Timeout.Std(),
		MaxDownload:      h.MaxDownload,
		MaxUpload:        h.MaxUpload,
		MaxMessage:       h.MaxWebsocketMessage,
		WebsocketEnabled: h.WebsocketEnabled,
	}
}

// Duration is a time.Duration written as a string such as "10ms".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
