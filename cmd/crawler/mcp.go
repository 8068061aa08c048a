package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sriram-PR/site-scraper/pkg/mcp"
)

const serveShutdownTimeout = 30 * time.Second

// runServe handles the serve subcommand
func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configFile := fs.String("config", "", "Path to config file (defaults apply when empty)")
	transport := fs.String("transport", "stdio", "Transport type (stdio, sse)")
	port := fs.Int("port", 8080, "HTTP port (for sse transport)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error)")
	pprofAddr := fs.String("pprof", "", "pprof address, e.g. localhost:6060 (disabled by default)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: site-scraper serve [options]

Start an MCP (Model Context Protocol) server that runs crawl sessions in the background.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Start with stdio transport
  site-scraper serve -config config.yaml

  # Start with SSE transport on port 8080
  site-scraper serve -config config.yaml -transport sse -port 8080

Available MCP Tools:
  start_crawl       Start a crawl session
  pause_crawl       Pause a running session
  resume_crawl      Resume a paused session
  stop_crawl        Stop a session, keeping what was collected
  get_crawl_status  Latest status snapshot
  get_crawl_result  Final result of a finished session
  list_sessions     Known sessions, oldest first
  get_content_file  Read a downloaded file

Session events are sent as %s notifications.
`, mcp.EventNotification)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doServe(*configFile, *transport, *port, *logLevel, *pprofAddr, os.Stderr))
}

// doServe is the testable implementation of the serve subcommand
func doServe(configPath, transport string, port int, logLevel, pprofAddr string, stderr io.Writer) int {
	// MCP stdio uses stdout for the protocol, so logs go to stderr
	log := setupLogger(logLevel, stderr)

	appCfg, err := loadAndValidateConfig(configPath, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return 1
	}
	startPprof(pprofAddr, log)

	comps, err := newComponents(appCfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer comps.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	comps.runMaintenance(ctx)

	reg := comps.newRegistry()
	go reg.RunReaper(ctx, appCfg.ReapInterval)

	server, err := mcp.NewServer(&mcp.ServerConfig{
		AppConfig: appCfg,
		Registry:  reg,
		Files:     comps.files,
		Transport: transport,
		Port:      port,
		Version:   version,
		Logger:    log,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error creating MCP server: %v\n", err)
		return 1
	}

	runErr := make(chan error, 1)
	go func() { runErr <- server.Run() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	exitCode := 0
	select {
	case sig := <-sigChan:
		log.Warnf("Received signal: %v. Stopping sessions...", sig)
	case err := <-runErr:
		if err != nil {
			fmt.Fprintf(stderr, "MCP server error: %v\n", err)
			exitCode = 1
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("Shutdown incomplete: %v", err)
	}
	return exitCode
}
