// Package config loads the shader compile server's configuration: the
// directory layout, network settings, compiler table, and the optional
// local TOML file operators can use instead of passing every CLI flag by
// hand.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/shadertools/shadercompiled/internal/compiler"
)

// Paths groups every directory the server reads from or writes to.
type Paths struct {
	Root        string
	CompilerDir string
	CacheDir    string
	TempDir     string
	ErrorDir    string
	ShaderDir   string
}

// Mail configures the out-of-scope error-report mailer collaborator.
// The server never sends mail itself; these settings are handed to
// whatever Sink internal/errorlog.Queue is wired with.
type Mail struct {
	Interval time.Duration
	FailMail string
	Server   string
}

// Config is the full set of settings the server needs to start.
type Config struct {
	Paths Paths

	TCPPort                  int
	MaxConcurrentConnections int64

	CachingEnabled bool

	FallbackPeers     []string
	FallbackThreshold int64

	AllowList []string

	Compilers      compiler.Table
	ValidPlatforms []string
	ValidLanguages []string

	DumpShaders      bool
	PrintCommands    bool
	PrintErrors      bool
	PrintWarnings    bool
	PrintListUpdates bool

	Mail Mail
}

// fileConfig is the TOML-decodable shape of an optional local config
// file, e.g. /etc/shadercompiled.toml or --config path. It deliberately
// only covers the fields an operator would reasonably want to pin down
// once and forget, not transient per-launch overrides like TCPPort,
// which stay CLI flags: the TOML file is ambient convenience, not a
// replacement for the external collaborator's own INI format.
type fileConfig struct {
	Paths struct {
		Root        string `toml:"root"`
		CompilerDir string `toml:"compiler_dir"`
		CacheDir    string `toml:"cache_dir"`
		TempDir     string `toml:"temp_dir"`
		ErrorDir    string `toml:"error_dir"`
		ShaderDir   string `toml:"shader_dir"`
	} `toml:"paths"`

	AllowList []string `toml:"allow_list"`

	FallbackPeers     []string `toml:"fallback_peers"`
	FallbackThreshold int64    `toml:"fallback_threshold"`

	Compilers []struct {
		ID           string `toml:"id"`
		Executable   string `toml:"executable"`
		ArgsTemplate string `toml:"args_template"`
	} `toml:"compiler"`

	ValidPlatforms []string `toml:"valid_platforms"`
	ValidLanguages []string `toml:"valid_languages"`

	Caching          *bool `toml:"caching_enabled"`
	DumpShaders      bool  `toml:"dump_shaders"`
	PrintCommands    bool  `toml:"print_commands"`
	PrintErrors      bool  `toml:"print_errors"`
	PrintWarnings    bool  `toml:"print_warnings"`
	PrintListUpdates bool  `toml:"print_list_updates"`

	Mail struct {
		IntervalSeconds int    `toml:"interval_seconds"`
		FailMail        string `toml:"fail_mail"`
		Server          string `toml:"server"`
	} `toml:"mail"`
}

// Default returns a Config with conservative, locally-runnable defaults:
// no fallback peers, no allow-listed addresses (so the operator must
// opt in explicitly), and an empty compiler table.
func Default(root string) *Config {
	return &Config{
		Paths: Paths{
			Root:        root,
			CompilerDir: root + "/compilers",
			CacheDir:    root + "/cache",
			TempDir:     root + "/tmp",
			ErrorDir:    root + "/errors",
			ShaderDir:   root + "/shaderlists",
		},
		TCPPort:                  8413,
		MaxConcurrentConnections: 64,
		CachingEnabled:           true,
		FallbackThreshold:        32,
		Compilers:                compiler.Table{},
		ValidPlatforms:           []string{},
		ValidLanguages:           []string{},
	}
}

// LoadFile reads an optional TOML config file and applies it on top of
// Default(root). A missing file is not an error: the server is expected
// to run entirely off CLI flags in the common case.
func LoadFile(path, root string) (*Config, error) {
	cfg := Default(root)
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	applyFile(cfg, fc)
	return cfg, nil
}

func applyFile(cfg *Config, fc fileConfig) {
	if fc.Paths.Root != "" {
		cfg.Paths.Root = fc.Paths.Root
	}
	if fc.Paths.CompilerDir != "" {
		cfg.Paths.CompilerDir = fc.Paths.CompilerDir
	}
	if fc.Paths.CacheDir != "" {
		cfg.Paths.CacheDir = fc.Paths.CacheDir
	}
	if fc.Paths.TempDir != "" {
		cfg.Paths.TempDir = fc.Paths.TempDir
	}
	if fc.Paths.ErrorDir != "" {
		cfg.Paths.ErrorDir = fc.Paths.ErrorDir
	}
	if fc.Paths.ShaderDir != "" {
		cfg.Paths.ShaderDir = fc.Paths.ShaderDir
	}

	if len(fc.AllowList) > 0 {
		cfg.AllowList = fc.AllowList
	}
	if len(fc.FallbackPeers) > 0 {
		cfg.FallbackPeers = fc.FallbackPeers
	}
	if fc.FallbackThreshold > 0 {
		cfg.FallbackThreshold = fc.FallbackThreshold
	}
	if len(fc.ValidPlatforms) > 0 {
		cfg.ValidPlatforms = fc.ValidPlatforms
	}
	if len(fc.ValidLanguages) > 0 {
		cfg.ValidLanguages = fc.ValidLanguages
	}
	for _, c := range fc.Compilers {
		if c.ID == "" {
			continue
		}
		cfg.Compilers[c.ID] = compiler.Spec{ID: c.ID, Executable: c.Executable, ArgsTemplate: c.ArgsTemplate}
	}

	if fc.Caching != nil {
		cfg.CachingEnabled = *fc.Caching
	}
	cfg.DumpShaders = cfg.DumpShaders || fc.DumpShaders
	cfg.PrintCommands = cfg.PrintCommands || fc.PrintCommands
	cfg.PrintErrors = cfg.PrintErrors || fc.PrintErrors
	cfg.PrintWarnings = cfg.PrintWarnings || fc.PrintWarnings
	cfg.PrintListUpdates = cfg.PrintListUpdates || fc.PrintListUpdates

	if fc.Mail.IntervalSeconds > 0 {
		cfg.Mail.Interval = time.Duration(fc.Mail.IntervalSeconds) * time.Second
	}
	if fc.Mail.FailMail != "" {
		cfg.Mail.FailMail = fc.Mail.FailMail
	}
	if fc.Mail.Server != "" {
		cfg.Mail.Server = fc.Mail.Server
	}
}

// PlatformSet and LanguageSet convert the configured slices into the
// membership maps internal/dispatch needs for its V2_3+ validation.
func (c *Config) PlatformSet() map[string]bool {
	return toSet(c.ValidPlatforms)
}

func (c *Config) LanguageSet() map[string]bool {
	return toSet(c.ValidLanguages)
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
