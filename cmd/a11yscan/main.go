// Command a11yscan runs accessibility scans on browser tabs.
//
// Usage:
//
//	a11yscan -url https://example.com                   # scan once, JSON report on stdout
//	a11yscan -url https://example.com -format sarif -out report.sarif
//	a11yscan -config a11yscan.yaml -serve               # HTTP API, /rpc and /mcp
//	a11yscan -config a11yscan.yaml -mcp                 # MCP over stdio
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/a11yscan/connectivity"
	"github.com/hazyhaar/a11yscan/horosafe"
	"github.com/hazyhaar/a11yscan/kit"
	"github.com/hazyhaar/a11yscan/scanner"
	"github.com/hazyhaar/a11yscan/shield"
)

var impl = &mcp.Implementation{Name: "a11yscan", Version: "1.0.0"}

type options struct {
	configPath string
	serve      bool
	mcpStdio   bool
	url        string
	tabID      string
	tags       string
	format     string
	out        string
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "path to a11yscan.yaml config file")
	flag.BoolVar(&o.serve, "serve", false, "serve the HTTP API")
	flag.BoolVar(&o.mcpStdio, "mcp", false, "serve MCP over stdio")
	flag.StringVar(&o.url, "url", "", "scan this URL once and exit")
	flag.StringVar(&o.tabID, "tab", "", "scan this existing tab once and exit (needs browser.remote_url)")
	flag.StringVar(&o.tags, "tags", "", "comma separated rule tags for a one-shot scan")
	flag.StringVar(&o.format, "format", scanner.FormatJSON, "one-shot output format: "+strings.Join(scanner.Formats, ", "))
	flag.StringVar(&o.out, "out", "", "write the one-shot report to this file (relative to the working directory)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, o); err != nil {
		logger.Error("a11yscan: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, o options) error {
	if !o.serve && !o.mcpStdio && o.url == "" && o.tabID == "" {
		fmt.Fprintln(os.Stderr, "usage: a11yscan -url <url> | -tab <id> | -serve | -mcp  [-config <file>]")
		os.Exit(2)
	}

	cfg := scanner.DefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = scanner.LoadConfigFile(o.configPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	s, err := scanner.New(scanner.Options{
		Config:  cfg,
		Browser: true,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer s.Close()

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}

	router := connectivity.New(connectivity.WithLogger(logger))
	router.RegisterTransport("http", connectivity.HTTPFactory())
	router.RegisterTransport("mcp", connectivity.MCPFactory(impl))
	defer router.Close()
	s.RegisterServices(router)
	if err := router.Apply(cfg.Routes); err != nil {
		logger.Warn("a11yscan: some routes were not applied", "error", err)
	}
	if cfg.RoutesFile != "" {
		go router.WatchFile(ctx, cfg.RoutesFile, cfg.RoutesPoll)
	}
	client := scanner.NewClient(router)

	switch {
	case o.serve:
		return serve(ctx, logger, cfg, s, router, client)
	case o.mcpStdio:
		srv := mcp.NewServer(impl, nil)
		scanner.RegisterMCP(srv, client, logger)
		logger.Info("a11yscan: mcp on stdio")
		return srv.Run(ctx, &mcp.StdioTransport{})
	default:
		return scanOnce(ctx, s, client, o)
	}
}

func serve(ctx context.Context, logger *slog.Logger, cfg *scanner.Config, s *scanner.Scanner, router *connectivity.Router, client *scanner.Client) error {
	mcpSrv := mcp.NewServer(impl, nil)
	scanner.RegisterMCP(mcpSrv, client, logger)

	var rl *shield.RateLimiter
	if len(cfg.RateLimits) > 0 {
		rl = shield.NewRateLimiter(cfg.RateLimits)
		rl.StartGC(ctx.Done(), time.Minute)
	}

	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: scanner.NewHTTPHandler(scanner.HTTPOptions{
			Scanner:     s,
			Router:      router,
			MCP:         mcpSrv,
			RateLimiter: rl,
			MaxBody:     cfg.MaxBody,
			Logger:      logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("a11yscan: listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("a11yscan: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("a11yscan: shutdown", "error", err)
	}
	return nil
}

func scanOnce(ctx context.Context, s *scanner.Scanner, client *scanner.Client, o options) error {
	req := scanner.Request{TabID: o.tabID, URL: o.url}
	if o.tags != "" {
		for _, t := range strings.Split(o.tags, ",") {
			if t = strings.TrimSpace(t); t != "" {
				req.Config.Tags = append(req.Config.Tags, t)
			}
		}
	}

	ctx = kit.WithTransport(ctx, kit.TransportCLI)
	res, err := client.RunScan(ctx, req)
	if err != nil {
		var se *scanner.ScanError
		if errors.As(err, &se) && len(se.Remediation) > 0 {
			fmt.Fprintf(os.Stderr, "%s\ntry: %s\n", se.Message, strings.Join(se.Remediation, "; "))
		}
		return err
	}

	_, data, err := s.ExportReport(ctx, res.Report, strings.ToLower(o.format))
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if o.out == "" {
		_, err = os.Stdout.Write(data)
		return err
	}

	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	path, err := horosafe.SafePath(wd, o.out)
	if err != nil {
		return fmt.Errorf("output path: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
