// Command shadercompiled runs the remote shader compile server: it
// accepts compile requests from game clients over a custom TCP
// protocol, dispatches them to platform compiler executables, and
// serves results from a content-addressed cache.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/shadertools/shadercompiled/internal/allowlist"
	"github.com/shadertools/shadercompiled/internal/cachestore"
	"github.com/shadertools/shadercompiled/internal/compiler"
	"github.com/shadertools/shadercompiled/internal/config"
	"github.com/shadertools/shadercompiled/internal/dispatch"
	"github.com/shadertools/shadercompiled/internal/errorlog"
	"github.com/shadertools/shadercompiled/internal/logging"
	"github.com/shadertools/shadercompiled/internal/serverloop"
	"github.com/shadertools/shadercompiled/internal/shaderlist"
	"github.com/shadertools/shadercompiled/internal/version"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:    "shadercompiled",
		Usage:   "remote shader compile server",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to an optional TOML config file"},
			&cli.StringFlag{Name: "root", Value: ".", Usage: "server root directory"},
			&cli.IntFlag{Name: "port", Value: 0, Usage: "TCP port to listen on (0 = use config default)"},
			&cli.StringFlag{Name: "cache-dir", Usage: "override the cache directory"},
			&cli.StringFlag{Name: "compiler-dir", Usage: "override the compiler executable directory"},
			&cli.StringFlag{Name: "temp-dir", Usage: "override the scratch directory for compiles"},
			&cli.Int64Flag{Name: "max-connections", Value: 0, Usage: "override max concurrent connections"},
			&cli.StringSliceFlag{Name: "allow", Usage: "CIDR or IPv4 address to allow-list (repeatable)"},
			&cli.StringSliceFlag{Name: "fallback", Usage: "peer address to forward overflow compiles to (repeatable)"},
			&cli.Int64Flag{Name: "fallback-threshold", Value: 0, Usage: "active-compile count at which to start forwarding"},
			&cli.IntFlag{Name: "status-port", Value: 0, Usage: "HTTP port for the /status endpoint (0 disables it)"},
		},
		Action: runServe,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(c *cli.Context) error {
	root := c.String("root")
	cfg, err := config.LoadFile(c.String("config"), root)
	if err != nil {
		return err
	}
	applyFlagOverrides(cfg, c)

	logging.Log("main", "%s starting, root=%s port=%d", version.FullInfo(), cfg.Paths.Root, cfg.TCPPort)

	allowed, err := allowlist.Parse(cfg.AllowList)
	if err != nil {
		return err
	}
	if allowed.Len() == 0 {
		logging.Warn("main", "allow-list is empty; every connection will be refused until --allow is configured")
	}

	cache, err := cachestore.Open(cfg.Paths.CacheDir)
	if err != nil {
		return err
	}
	defer cache.Close()
	cache.Finalize()

	lists, err := shaderlist.New(cfg.Paths.ShaderDir)
	if err != nil {
		return err
	}

	errorQueue := errorlog.New(256)

	runner := &compiler.Runner{
		CompilerDir: cfg.Paths.CompilerDir,
		TempDir:     cfg.Paths.TempDir,
		PrintCmds:   cfg.PrintCommands,
	}

	d := &dispatch.Dispatcher{
		Cache:             cache,
		ShaderLists:       lists,
		Compilers:         cfg.Compilers,
		Runner:            runner,
		ErrorQueue:        errorQueue,
		ValidPlatforms:    cfg.PlatformSet(),
		ValidLanguages:    cfg.LanguageSet(),
		CachingEnabled:    cfg.CachingEnabled,
		DumpShaders:       cfg.DumpShaders,
		DumpDir:           cfg.Paths.ShaderDir + "/dumps",
		PrintErrors:       cfg.PrintErrors,
		FallbackPeers:     cfg.FallbackPeers,
		FallbackThreshold: cfg.FallbackThreshold,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.TCPPort))
	if err != nil {
		return fmt.Errorf("main: listening on port %d: %w", cfg.TCPPort, err)
	}

	srv := &serverloop.Server{
		Listener:       ln,
		Dispatcher:     d,
		AllowList:      allowed,
		Cache:          cache,
		ShaderLists:    lists,
		ErrorQueue:     errorQueue,
		MaxConnections: cfg.MaxConcurrentConnections,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if statusPort := c.Int("status-port"); statusPort != 0 {
		go serveStatus(ctx, statusPort, srv)
	}

	logging.Log("main", "listening on %s", ln.Addr())
	return srv.Run(ctx)
}

func applyFlagOverrides(cfg *config.Config, c *cli.Context) {
	if c.Int("port") != 0 {
		cfg.TCPPort = c.Int("port")
	}
	if v := c.String("cache-dir"); v != "" {
		cfg.Paths.CacheDir = v
	}
	if v := c.String("compiler-dir"); v != "" {
		cfg.Paths.CompilerDir = v
	}
	if v := c.String("temp-dir"); v != "" {
		cfg.Paths.TempDir = v
	}
	if v := c.Int64("max-connections"); v != 0 {
		cfg.MaxConcurrentConnections = v
	}
	if allow := c.StringSlice("allow"); len(allow) > 0 {
		cfg.AllowList = allow
	}
	if fallback := c.StringSlice("fallback"); len(fallback) > 0 {
		cfg.FallbackPeers = fallback
	}
	if v := c.Int64("fallback-threshold"); v != 0 {
		cfg.FallbackThreshold = v
	}
}
