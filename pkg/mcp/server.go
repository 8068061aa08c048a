package mcp

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-scraper/pkg/config"
	"github.com/Sriram-PR/site-scraper/pkg/crawler"
	"github.com/Sriram-PR/site-scraper/pkg/models"
	"github.com/Sriram-PR/site-scraper/pkg/registry"
	"github.com/Sriram-PR/site-scraper/pkg/storage"
)

const serverName = "site-scraper"

// EventNotification is the notification method carrying session events
const EventNotification = "notifications/crawl/event"

// ServerConfig holds configuration for the MCP server
type ServerConfig struct {
	AppConfig *config.AppConfig
	Registry  *registry.Registry
	Files     *storage.FileStore
	Transport string // "stdio" or "sse"
	Port      int
	Version   string
	Logger    *logrus.Logger
}

// Server exposes crawl sessions as MCP tools and streams their events as notifications
type Server struct {
	mcpServer *server.MCPServer
	sseServer *server.SSEServer
	cfg       *ServerConfig
	registry  *registry.Registry
	files     *storage.FileStore
	log       *logrus.Entry

	forwarders sync.WaitGroup
}

// NewServer creates a new MCP server instance
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("AppConfig is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("Registry is required")
	}
	if cfg.Files == nil {
		return nil, fmt.Errorf("Files is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	mcpServer := server.NewMCPServer(
		serverName,
		cfg.Version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)

	s := &Server{
		mcpServer: mcpServer,
		cfg:       cfg,
		registry:  cfg.Registry,
		files:     cfg.Files,
		log:       cfg.Logger.WithField("component", "mcp"),
	}

	if cfg.Transport == "sse" {
		s.sseServer = server.NewSSEServer(mcpServer)
	}

	s.registerTools()
	s.registry.Observe(s.forwardEvents)

	return s, nil
}

func sessionIDParam() mcp.ToolOption {
	return mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("Session ID returned by start_crawl"),
	)
}

// registerTools registers all available MCP tools
func (s *Server) registerTools() {
	startCrawlTool := mcp.NewTool("start_crawl",
		mcp.WithDescription("Start crawling a site in the background. Returns immediately with a session ID; progress is streamed as notifications."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("Seed URL (http or https). Only pages on its host are followed."),
		),
		mcp.WithNumber("max_pages",
			mcp.Description("Maximum pages to fetch (0 uses the configured default)"),
		),
		mcp.WithNumber("delay",
			mcp.Description("Seconds to wait between pages"),
		),
		mcp.WithString("user_agent",
			mcp.Description("User-Agent header (defaults to the configured one)"),
		),
		mcp.WithBoolean("include_external",
			mcp.Description("Report links to other hosts"),
		),
		mcp.WithBoolean("scrape_whole_site",
			mcp.Description("Follow every in-domain link instead of the first frontier_width found"),
		),
		mcp.WithBoolean("download_content",
			mcp.Description("Download embedded and linked content matching content_types"),
		),
		mcp.WithBoolean("respect_robots",
			mcp.Description("Skip pages disallowed by robots.txt"),
		),
		mcp.WithArray("content_types",
			mcp.Description("Content filter IDs to enable: images, pdfs, videos, audio, documents"),
			mcp.Items(map[string]any{"type": "string"}),
		),
	)
	s.mcpServer.AddTool(startCrawlTool, s.handleStartCrawl)

	pauseTool := mcp.NewTool("pause_crawl",
		mcp.WithDescription("Pause a running crawl after the page in flight"),
		sessionIDParam(),
	)
	s.mcpServer.AddTool(pauseTool, s.controlHandler(models.SignalPause))

	resumeTool := mcp.NewTool("resume_crawl",
		mcp.WithDescription("Resume a paused crawl"),
		sessionIDParam(),
	)
	s.mcpServer.AddTool(resumeTool, s.controlHandler(models.SignalResume))

	stopTool := mcp.NewTool("stop_crawl",
		mcp.WithDescription("Stop a crawl; it completes with the data collected so far"),
		sessionIDParam(),
	)
	s.mcpServer.AddTool(stopTool, s.controlHandler(models.SignalStop))

	statusTool := mcp.NewTool("get_crawl_status",
		mcp.WithDescription("Get the latest status snapshot of a crawl"),
		sessionIDParam(),
	)
	s.mcpServer.AddTool(statusTool, s.handleGetStatus)

	resultTool := mcp.NewTool("get_crawl_result",
		mcp.WithDescription("Get the final result of a finished crawl"),
		sessionIDParam(),
		mcp.WithBoolean("include_text",
			mcp.Description("Include text previews of downloaded documents (default false)"),
		),
	)
	s.mcpServer.AddTool(resultTool, s.handleGetResult)

	listTool := mcp.NewTool("list_sessions",
		mcp.WithDescription("List known crawl sessions, oldest first"),
	)
	s.mcpServer.AddTool(listTool, s.handleListSessions)

	fileTool := mcp.NewTool("get_content_file",
		mcp.WithDescription("Read a downloaded file by session ID and file name"),
		sessionIDParam(),
		mcp.WithString("file_name",
			mcp.Required(),
			mcp.Description("File name inside the session directory, as found in a record's file_path"),
		),
	)
	s.mcpServer.AddTool(fileTool, s.handleGetContentFile)

	s.log.Infof("Registered %d MCP tools", 8)
}

// forwardEvents relays one session's events to every connected client until the stream ends
func (s *Server) forwardEvents(sess *crawler.Session) {
	sub := sess.Subscribe()
	s.forwarders.Add(1)
	go func() {
		defer s.forwarders.Done()
		for ev := range sub.Events {
			params, err := eventParams(ev)
			if err != nil {
				s.log.WithField("session_id", ev.SessionID).Warnf("Dropping unencodable event: %v", err)
				continue
			}
			s.mcpServer.SendNotificationToAllClients(EventNotification, params)
		}
	}()
}

// Run starts the MCP server with the configured transport
func (s *Server) Run() error {
	switch s.cfg.Transport {
	case "stdio":
		s.log.Info("Starting MCP server with stdio transport")
		return server.ServeStdio(s.mcpServer)
	case "sse":
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.log.Infof("Starting MCP server with SSE transport on %s", addr)
		return s.sseServer.Start(addr)
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio, sse)", s.cfg.Transport)
	}
}

// Shutdown stops all sessions, waits for their final events to be relayed and closes the transport
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down MCP server...")
	err := s.registry.Shutdown(ctx)
	s.forwarders.Wait()
	if s.sseServer != nil {
		if sseErr := s.sseServer.Shutdown(ctx); sseErr != nil && err == nil {
			err = sseErr
		}
	}
	return err
}
