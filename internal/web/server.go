package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/renderinc/newsrag/internal/logger"
	"github.com/renderinc/newsrag/internal/rag"
	"github.com/renderinc/newsrag/internal/search"
	"github.com/renderinc/newsrag/internal/storage"
	"github.com/renderinc/newsrag/internal/sync"
)

const (
	dateLayout   = "2006-01-02"
	defaultLimit = 20
	maxLimit     = 100
)

// Answerer answers questions over a date range
type Answerer interface {
	Ask(ctx context.Context, question string, start, end time.Time) (*rag.Answer, error)
	FailureMessage(err error) string
}

// Searcher is the read side of the vector index
type Searcher interface {
	Search(ctx context.Context, query string, start, end time.Time, k int) ([]*search.Result, error)
	KeywordSearch(ctx context.Context, query string, start, end time.Time, k int) ([]*search.Result, error)
	HybridSearch(ctx context.Context, query string, start, end time.Time, k int, keywordWeight float64) ([]*search.Result, error)
	Stats(ctx context.Context) (*search.Stats, error)
}

// NewsSource is the read side of the relational store
type NewsSource interface {
	FetchLatest(ctx context.Context, limit int) ([]*storage.Record, error)
	Count(ctx context.Context) (int, error)
}

// Syncer brings the index up to date before a search
type Syncer interface {
	SyncIfDue(ctx context.Context) (*sync.Stats, error)
	LastSync() time.Time
}

// Options configures a Server
type Options struct {
	Answerer      Answerer
	Index         Searcher
	News          NewsSource
	Syncer        Syncer // May be nil
	DefaultWindow time.Duration
	AllowOrigins  []string
	Location      *time.Location   // Time zone of request dates; defaults to time.Local
	Now           func() time.Time // Defaults to time.Now
}

// Server is the HTTP answering API
type Server struct {
	answerer      Answerer
	idx           Searcher
	news          NewsSource
	syncer        Syncer
	defaultWindow time.Duration
	allowOrigins  []string
	loc           *time.Location
	now           func() time.Time
	log           *logger.Logger
}

// AskRequest is the body of POST /ask
type AskRequest struct {
	Question  string `json:"question" binding:"required"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// AskResponse is returned by POST /ask. Failures are reported in Answer
// as a readable message, matching the answering contract.
type AskResponse struct {
	Answer    string     `json:"answer"`
	Sources   []NewsItem `json:"sources"`
	StartDate string     `json:"start_date"`
	EndDate   string     `json:"end_date"`
}

// NewsItem is a record or a search hit as returned by the API
type NewsItem struct {
	Channel   string   `json:"channel"`
	MessageID string   `json:"message_id,omitempty"`
	Link      string   `json:"link,omitempty"`
	Text      string   `json:"text"`
	Date      string   `json:"date"`
	Score     *float64 `json:"score,omitempty"`
}

// SearchResponse is returned by GET /api/search
type SearchResponse struct {
	Results   []NewsItem `json:"results"`
	Query     string     `json:"query"`
	Mode      string     `json:"mode"`
	Count     int        `json:"count"`
	StartDate string     `json:"start_date"`
	EndDate   string     `json:"end_date"`
}

// NewServer creates a new HTTP server
func NewServer(opts Options, log *logger.Logger) *Server {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	window := opts.DefaultWindow
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	return &Server{
		answerer:      opts.Answerer,
		idx:           opts.Index,
		news:          opts.News,
		syncer:        opts.Syncer,
		defaultWindow: window,
		allowOrigins:  opts.AllowOrigins,
		loc:           loc,
		now:           now,
		log:           log.With("component", "web"),
	}
}

// Handler builds the gin router
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(s.log))

	if len(s.allowOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: s.allowOrigins,
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Content-Type", requestIDHeader},
			MaxAge:       12 * time.Hour,
		}))
	}

	router.GET("/health", s.handleHealth)
	router.POST("/ask", s.handleAsk)

	api := router.Group("/api")
	{
		api.GET("/news/latest", s.handleLatest)
		api.GET("/search", s.handleSearch)
	}

	return router
}

func (s *Server) handleAsk(c *gin.Context) {
	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", errors.New("question cannot be empty"))
		return
	}

	start, end, err := s.window(req.StartDate, req.EndDate)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_date", err)
		return
	}

	resp := AskResponse{
		Sources:   []NewsItem{},
		StartDate: start.Format(dateLayout),
		EndDate:   end.Format(dateLayout),
	}

	ans, err := s.answerer.Ask(c.Request.Context(), req.Question, start, end)
	if err != nil {
		s.log.Warn("Answering failed", "question", req.Question, "error", err)
		resp.Answer = s.answerer.FailureMessage(err)
		respondOK(c, resp)
		return
	}

	resp.Answer = ans.Text
	for _, r := range ans.Sources {
		resp.Sources = append(resp.Sources, itemFromResult(r))
	}
	respondOK(c, resp)
}

func (s *Server) handleLatest(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_limit", err)
		return
	}

	records, err := s.news.FetchLatest(c.Request.Context(), limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "storage_error", err)
		return
	}

	items := make([]NewsItem, 0, len(records))
	for _, r := range records {
		items = append(items, NewsItem{
			Channel:   r.Channel,
			MessageID: r.MessageID,
			Link:      r.MessageLink,
			Text:      r.Text,
			Date:      r.Timestamp.In(s.loc).Format(time.RFC3339),
		})
	}
	respondOK(c, gin.H{"results": items, "count": len(items)})
}

func (s *Server) handleSearch(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", errors.New("query parameter q is required"))
		return
	}

	mode := c.DefaultQuery("mode", "semantic")

	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_limit", err)
		return
	}

	keywordWeight := 0.3
	if weightStr := c.Query("weight"); weightStr != "" {
		w, err := strconv.ParseFloat(weightStr, 64)
		if err != nil || w < 0 || w > 1 {
			respondError(c, http.StatusBadRequest, "invalid_weight", errors.New("weight must be between 0 and 1"))
			return
		}
		keywordWeight = w
	}

	start, end, err := s.window(c.Query("start"), c.Query("end"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_date", err)
		return
	}

	ctx := c.Request.Context()
	if s.syncer != nil {
		if _, err := s.syncer.SyncIfDue(ctx); err != nil {
			s.log.Warn("Sync before search failed", "error", err)
		}
	}

	var results []*search.Result
	switch mode {
	case "semantic":
		results, err = s.idx.Search(ctx, query, start, end, limit)
	case "keyword":
		results, err = s.idx.KeywordSearch(ctx, query, start, end, limit)
	case "hybrid":
		results, err = s.idx.HybridSearch(ctx, query, start, end, limit, keywordWeight)
	default:
		respondError(c, http.StatusBadRequest, "invalid_mode", fmt.Errorf("unknown mode %q (semantic, keyword, hybrid)", mode))
		return
	}
	if err != nil {
		respondError(c, http.StatusBadGateway, "search_failed", err)
		return
	}

	items := make([]NewsItem, 0, len(results))
	for _, r := range results {
		items = append(items, itemFromResult(r))
	}
	respondOK(c, SearchResponse{
		Results:   items,
		Query:     query,
		Mode:      mode,
		Count:     len(items),
		StartDate: start.Format(dateLayout),
		EndDate:   end.Format(dateLayout),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	status := gin.H{"status": "ok"}
	healthy := true

	if count, err := s.news.Count(ctx); err != nil {
		status["storage_error"] = err.Error()
		healthy = false
	} else {
		status["records"] = count
	}

	if stats, err := s.idx.Stats(ctx); err != nil {
		status["index_error"] = err.Error()
		healthy = false
	} else {
		status["documents"] = stats.TotalDocuments
		status["collection"] = stats.CollectionName
	}

	if s.syncer != nil {
		if last := s.syncer.LastSync(); !last.IsZero() {
			status["last_sync"] = last.Format(time.RFC3339)
		}
	}

	if !healthy {
		status["status"] = "degraded"
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	respondOK(c, status)
}

// window resolves the request dates. The end date covers its whole day;
// missing dates default to the last DefaultWindow.
func (s *Server) window(startStr, endStr string) (time.Time, time.Time, error) {
	var start, end time.Time

	if endStr != "" {
		day, err := time.ParseInLocation(dateLayout, endStr, s.loc)
		if err != nil {
			return start, end, fmt.Errorf("invalid end date %q (want YYYY-MM-DD)", endStr)
		}
		end = day.AddDate(0, 0, 1).Add(-time.Second)
	} else {
		end = s.now().In(s.loc)
	}

	if startStr != "" {
		day, err := time.ParseInLocation(dateLayout, startStr, s.loc)
		if err != nil {
			return start, end, fmt.Errorf("invalid start date %q (want YYYY-MM-DD)", startStr)
		}
		start = day
	} else {
		start = end.Add(-s.defaultWindow)
	}

	if end.Before(start) {
		return start, end, errors.New("start date is after end date")
	}
	return start, end, nil
}

func parseLimit(value string) (int, error) {
	if value == "" {
		return defaultLimit, nil
	}
	limit, err := strconv.Atoi(value)
	if err != nil || limit <= 0 || limit > maxLimit {
		return 0, fmt.Errorf("limit must be between 1 and %d", maxLimit)
	}
	return limit, nil
}

func itemFromResult(r *search.Result) NewsItem {
	score := r.Score
	return NewsItem{
		Channel:   r.ChannelID,
		MessageID: r.MessageID,
		Link:      permalink(r.ChannelID, r.MessageID),
		Text:      r.Body,
		Date:      r.Time().Format(time.RFC3339),
		Score:     &score,
	}
}

// permalink rebuilds a t.me link for numeric message ids. Hash-based ids
// of link-less records have no permalink.
func permalink(channel, messageID string) string {
	if channel == "" || messageID == "" {
		return ""
	}
	if _, err := strconv.ParseUint(messageID, 10, 64); err != nil {
		return ""
	}
	return "https://t.me/" + strings.TrimPrefix(channel, "@") + "/" + messageID
}
