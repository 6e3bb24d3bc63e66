package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"tglinks/internal/domain"
	"tglinks/internal/search"
)

const defaultSearchLimit = 50

type LinkService interface {
	Years(ctx context.Context, platform domain.Platform) ([]int, error)
	CountLinks(ctx context.Context, filter domain.LinkFilter) (int, error)
	CountByPlatform(ctx context.Context) ([]domain.PlatformCount, error)
	ListLinks(ctx context.Context, filter domain.LinkFilter) ([]domain.Link, error)
	SearchLinks(ctx context.Context, q search.Query, limit int) ([]domain.Link, error)
}

type StatusSource interface {
	Status() domain.CollectionStatus
}

type Server struct {
	mu        sync.RWMutex
	links     LinkService
	status    StatusSource
	httpSrv   *http.Server
	endpoint  string
	startedAt time.Time
}

func New(links LinkService, status StatusSource) *Server {
	return &Server{links: links, status: status}
}

func (s *Server) Endpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint
}

// Start serves the MCP tools on the loopback interface. Port 0 picks a free port.
func (s *Server) Start(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpSrv != nil {
		return nil
	}

	host := "127.0.0.1"
	addr := fmt.Sprintf("%s:%d", host, port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp", withOriginValidation(s.handler()))
	httpSrv := &http.Server{
		Addr:              listener.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		_ = httpSrv.Serve(listener)
	}()

	s.httpSrv = httpSrv
	s.endpoint = "http://" + listener.Addr().String() + "/mcp"
	s.startedAt = time.Now()
	return nil
}

func (s *Server) handler() http.Handler {
	impl := &mcp.Implementation{Name: "tglinks-mcp", Version: "0.1.0"}
	server := mcp.NewServer(impl, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_years",
		Description: "List the years that have stored links, newest first",
	}, s.listYearsTool)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "count_links",
		Description: "Count stored links, optionally by platform, chat type and year",
	}, s.countLinksTool)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_links",
		Description: "List stored links, newest first",
	}, s.listLinksTool)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_links",
		Description: "Full-text search over stored links",
	}, s.searchLinksTool)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "collection_status",
		Description: "Get the state of the current collection run",
	}, s.collectionStatusTool)

	return mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server {
		return server
	}, nil)
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpSrv == nil {
		return nil
	}
	err := s.httpSrv.Shutdown(ctx)
	s.httpSrv = nil
	s.endpoint = ""
	return err
}

type filterInput struct {
	Platform string `json:"platform,omitempty" jsonschema:"Platform: telegram, whatsapp, instagram, facebook, x or other"`
	ChatType string `json:"chat_type,omitempty" jsonschema:"Chat type: group, channel, message, addlist or other"`
	Year     int    `json:"year,omitempty" jsonschema:"Year of the source message"`
}

func (in filterInput) toFilter() (domain.LinkFilter, error) {
	var filter domain.LinkFilter
	if raw := strings.TrimSpace(in.Platform); raw != "" {
		platform, ok := domain.ParsePlatform(strings.ToLower(raw))
		if !ok {
			return filter, fmt.Errorf("unknown platform %q", raw)
		}
		filter.Platform = platform
	}
	if raw := strings.TrimSpace(in.ChatType); raw != "" {
		chatType, ok := domain.ParseChatType(strings.ToLower(raw))
		if !ok {
			return filter, fmt.Errorf("unknown chat type %q", raw)
		}
		filter.ChatType = chatType
	}
	if in.Year < 0 {
		return filter, errors.New("year must be positive")
	}
	filter.Year = in.Year
	return filter, nil
}

type listYearsInput struct {
	Platform string `json:"platform,omitempty" jsonschema:"Optional platform filter"`
}

type listYearsOutput struct {
	Years []int `json:"years"`
}

func (s *Server) listYearsTool(ctx context.Context, _ *mcp.CallToolRequest, in *listYearsInput) (*mcp.CallToolResult, any, error) {
	var filter domain.LinkFilter
	if in != nil {
		var err error
		if filter, err = (filterInput{Platform: in.Platform}).toFilter(); err != nil {
			return nil, nil, err
		}
	}
	years, err := s.links.Years(ctx, filter.Platform)
	if err != nil {
		return nil, nil, err
	}
	if years == nil {
		years = []int{}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Returned %d years", len(years))}},
	}, listYearsOutput{Years: years}, nil
}

type countLinksOutput struct {
	Count      int                    `json:"count"`
	ByPlatform []domain.PlatformCount `json:"by_platform,omitempty"`
}

func (s *Server) countLinksTool(ctx context.Context, _ *mcp.CallToolRequest, in *filterInput) (*mcp.CallToolResult, any, error) {
	if in == nil {
		in = &filterInput{}
	}
	filter, err := in.toFilter()
	if err != nil {
		return nil, nil, err
	}
	count, err := s.links.CountLinks(ctx, filter)
	if err != nil {
		return nil, nil, err
	}
	out := countLinksOutput{Count: count}
	if filter == (domain.LinkFilter{}) {
		if out.ByPlatform, err = s.links.CountByPlatform(ctx); err != nil {
			return nil, nil, err
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("%d links", count)}},
	}, out, nil
}

type listLinksInput struct {
	Platform string `json:"platform,omitempty" jsonschema:"Optional platform filter"`
	ChatType string `json:"chat_type,omitempty" jsonschema:"Optional chat type filter"`
	Year     int    `json:"year,omitempty" jsonschema:"Optional year filter"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum number of links"`
	Offset   int    `json:"offset,omitempty" jsonschema:"Number of links to skip"`
}

type linksOutput struct {
	Links []linkResult `json:"links"`
}

type linkResult struct {
	ID          int64  `json:"id"`
	URL         string `json:"url"`
	Platform    string `json:"platform"`
	ChatType    string `json:"chat_type"`
	Account     string `json:"source_account"`
	ChatID      string `json:"chat_id"`
	MessageID   int64  `json:"message_id"`
	MessageDate int64  `json:"message_date"`
	Year        int    `json:"year"`
	SourceLink  string `json:"source_link,omitempty"`
}

func (s *Server) listLinksTool(ctx context.Context, _ *mcp.CallToolRequest, in *listLinksInput) (*mcp.CallToolResult, any, error) {
	if in == nil {
		in = &listLinksInput{}
	}
	filter, err := filterInput{Platform: in.Platform, ChatType: in.ChatType, Year: in.Year}.toFilter()
	if err != nil {
		return nil, nil, err
	}
	if in.Limit < 0 || in.Offset < 0 {
		return nil, nil, errors.New("limit and offset must not be negative")
	}
	filter.Limit, filter.Offset = in.Limit, in.Offset
	links, err := s.links.ListLinks(ctx, filter)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Returned %d links", len(links))}},
	}, linksOutput{Links: toLinkResults(links)}, nil
}

type searchInput struct {
	Query string `json:"query" jsonschema:"Search terms; supports -term, prefix*, \"phrases\", platform:x and type:y"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum number of results"`
}

func (s *Server) searchLinksTool(ctx context.Context, _ *mcp.CallToolRequest, in *searchInput) (*mcp.CallToolResult, any, error) {
	if in == nil || strings.TrimSpace(in.Query) == "" {
		return nil, nil, errors.New("query is required")
	}
	q, err := search.Parse(in.Query)
	if err != nil {
		return nil, nil, err
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	links, err := s.links.SearchLinks(ctx, q, limit)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Returned %d results", len(links))}},
	}, linksOutput{Links: toLinkResults(links)}, nil
}

type collectionStatusOutput struct {
	Status domain.CollectionStatus `json:"status"`
}

func (s *Server) collectionStatusTool(_ context.Context, _ *mcp.CallToolRequest, _ *struct{}) (*mcp.CallToolResult, any, error) {
	var status domain.CollectionStatus
	if s.status != nil {
		status = s.status.Status()
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "Status returned"}},
	}, collectionStatusOutput{Status: status}, nil
}

func toLinkResults(links []domain.Link) []linkResult {
	out := make([]linkResult, 0, len(links))
	for _, link := range links {
		out = append(out, linkResult{
			ID:          link.ID,
			URL:         link.URL,
			Platform:    string(link.Platform),
			ChatType:    string(link.ChatType),
			Account:     link.SourceAccount,
			ChatID:      link.ChatID,
			MessageID:   link.MessageID,
			MessageDate: link.MessageDate.Unix(),
			Year:        link.Year,
			SourceLink:  buildSourceLink(link.ChatID, link.MessageID),
		})
	}
	return out
}

func withOriginValidation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && !isLocalOrigin(origin) {
			http.Error(w, "forbidden origin", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLocalOrigin(origin string) bool {
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// buildSourceLink points at the message a link was found in. Only channel and
// supergroup messages have a t.me form.
func buildSourceLink(chatID string, msgID int64) string {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil || id == 0 || msgID == 0 {
		return ""
	}
	if channelID, ok := toTmeChannelID(id); ok {
		return fmt.Sprintf("https://t.me/c/%d/%d", channelID, msgID)
	}
	return fmt.Sprintf("tg://openmessage?chat_id=%d&message_id=%d", id, msgID)
}

func toTmeChannelID(chatID int64) (int64, bool) {
	if chatID > -1000000000000 {
		return 0, false
	}
	channelID := (-chatID) - 1000000000000
	if channelID <= 0 {
		return 0, false
	}
	return channelID, true
}
