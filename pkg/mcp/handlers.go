package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Sriram-PR/site-scraper/pkg/models"
	"github.com/Sriram-PR/site-scraper/pkg/registry"
)

// statusView is a status snapshot plus the pending control flag
type statusView struct {
	models.CrawlStatus
	Control string `json:"control"`
}

// handleStartCrawl handles the start_crawl tool
func (s *Server) handleStartCrawl(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req, err := crawlRequestFromArgs(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sess, err := s.registry.Create(req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start crawl: %v", err)), nil
	}

	result := map[string]interface{}{
		"session_id": sess.ID(),
		"status":     sess.Status().Status,
		"message":    fmt.Sprintf("Crawl of %s started", sess.Request().URL),
		"max_pages":  sess.Request().EffectiveMaxPages(s.cfg.AppConfig.DefaultMaxPages),
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// controlHandler builds the handler for pause_crawl, resume_crawl and stop_crawl
func (s *Server) controlHandler(signal models.ControlSignal) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID := request.GetString("session_id", "")
		if sessionID == "" {
			return mcp.NewToolResultError("session_id parameter is required"), nil
		}

		st, err := s.registry.SetControl(sessionID, signal)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		message := fmt.Sprintf("Signal '%s' sent", signal)
		if st.Status.IsTerminal() {
			message = fmt.Sprintf("Session already %s; signal ignored", st.Status)
		}
		result := map[string]interface{}{
			"session_id": sessionID,
			"signal":     signal,
			"status":     st.Status,
			"message":    message,
		}
		if sess, err := s.registry.Get(sessionID); err == nil {
			result["control"] = sess.ControlFlag()
		}
		return mcp.NewToolResultText(formatJSON(result)), nil
	}
}

// handleGetStatus handles the get_crawl_status tool
func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := request.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id parameter is required"), nil
	}
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(formatJSON(statusView{CrawlStatus: sess.Status(), Control: string(sess.ControlFlag())})), nil
}

// handleGetResult handles the get_crawl_result tool
func (s *Server) handleGetResult(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := request.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id parameter is required"), nil
	}
	res, err := s.registry.Result(sessionID)
	if err != nil {
		if errors.Is(err, registry.ErrSessionNotFinished) {
			return mcp.NewToolResultError(fmt.Sprintf("%v; poll get_crawl_status or wait for scrape_complete", err)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}

	out := *res
	if !request.GetBool("include_text", false) {
		out.ScrapedContent = withoutText(res.ScrapedContent)
		out.FailedContent = withoutText(res.FailedContent)
	}
	return mcp.NewToolResultText(formatJSON(out)), nil
}

// handleListSessions handles the list_sessions tool
func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions := s.registry.List()
	result := map[string]interface{}{
		"sessions": sessions,
		"total":    len(sessions),
		"active":   s.registry.Active(),
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleGetContentFile handles the get_content_file tool
func (s *Server) handleGetContentFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := request.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id parameter is required"), nil
	}
	name := request.GetString("file_name", "")
	if name == "" {
		return mcp.NewToolResultError("file_name parameter is required"), nil
	}
	// Accept a record's file_path as well as the bare name
	name = strings.TrimPrefix(name, sessionID+"/")

	path, info, err := s.files.Stat(sessionID, name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("file '%s' not available: %v", name, err)), nil
	}
	if info.IsDir() {
		return mcp.NewToolResultError(fmt.Sprintf("'%s' is a directory", name)), nil
	}
	if limit := s.cfg.AppConfig.MaxFileSizeBytes; limit > 0 && info.Size() > limit {
		return mcp.NewToolResultError(fmt.Sprintf("file too large: %d bytes (max: %d)", info.Size(), limit)), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read '%s': %v", name, err)), nil
	}

	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	meta := map[string]interface{}{
		"session_id": sessionID,
		"file_name":  name,
		"size":       info.Size(),
		"mime_type":  mimeType,
	}

	uri := "file://" + filepath.ToSlash(path)
	if isTextMime(mimeType) && utf8.Valid(data) {
		return mcp.NewToolResultResource(formatJSON(meta), mcp.TextResourceContents{
			URI:      uri,
			MIMEType: mimeType,
			Text:     string(data),
		}), nil
	}
	return mcp.NewToolResultResource(formatJSON(meta), mcp.BlobResourceContents{
		URI:      uri,
		MIMEType: mimeType,
		Blob:     base64.StdEncoding.EncodeToString(data),
	}), nil
}

// crawlRequestFromArgs maps start_crawl arguments onto a CrawlRequest. URL
// validation is left to the registry so both surfaces report the same errors.
func crawlRequestFromArgs(request mcp.CallToolRequest) (models.CrawlRequest, error) {
	req := models.CrawlRequest{
		URL:             strings.TrimSpace(request.GetString("url", "")),
		MaxPages:        request.GetInt("max_pages", 0),
		DelaySeconds:    request.GetFloat("delay", 0),
		UserAgent:       request.GetString("user_agent", ""),
		IncludeExternal: request.GetBool("include_external", false),
		ScrapeWholeSite: request.GetBool("scrape_whole_site", false),
		DownloadContent: request.GetBool("download_content", false),
		RespectRobots:   request.GetBool("respect_robots", false),
	}
	if req.URL == "" {
		return req, fmt.Errorf("url parameter is required")
	}

	ids, err := stringList(request.GetArguments()["content_types"])
	if err != nil {
		return req, fmt.Errorf("content_types: %w", err)
	}
	if len(ids) > 0 {
		filters, err := models.SelectContentTypes(ids)
		if err != nil {
			return req, err
		}
		req.ContentTypes = filters
	}
	return req, nil
}

// stringList accepts a JSON array of strings in either decoded form
func stringList(v interface{}) ([]string, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return list, nil
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected strings, got %T", item)
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected an array of strings, got %T", v)
	}
}

func withoutText(records []models.ScrapedContent) []models.ScrapedContent {
	if records == nil {
		return nil
	}
	out := make([]models.ScrapedContent, len(records))
	for i, rec := range records {
		rec.TextContent = ""
		out[i] = rec
	}
	return out
}

func isTextMime(mimeType string) bool {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mediaType = mimeType
	}
	return strings.HasPrefix(mediaType, "text/") ||
		mediaType == "application/json" ||
		mediaType == "application/xml" ||
		mediaType == "image/svg+xml"
}

// eventParams flattens an event into notification params using its JSON field names
func eventParams(ev models.Event) (map[string]any, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	return params, nil
}

// formatJSON formats data as indented JSON
func formatJSON(data interface{}) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("{\"error\": %q}", err.Error())
	}
	return string(b)
}
