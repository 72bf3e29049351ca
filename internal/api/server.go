package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"ytclip/internal/core/domain"
	"ytclip/internal/core/ports"
	"ytclip/internal/service"
)

// Submitter is the submission side of the service layer.
type Submitter interface {
	ExtractInfo(ctx context.Context, sourceURL string) (domain.VideoMetadata, error)
	Submit(ctx context.Context, req service.SubmitRequest) (service.Submission, error)
}

// Options configures the HTTP surface.
type Options struct {
	DownloadsDir    string
	AllowedOrigins  []string
	SubmitRateLimit float64 // requests per second per client on POST routes; 0 disables
}

// Server is the JSON API over the submitter and the job store.
type Server struct {
	echo      *echo.Echo
	submitter Submitter
	jobs      ports.JobStore
	artifacts ports.ArtifactStore
	events    *service.EventBus
	logger    *log.Logger
}

// NewServer builds the echo instance and registers every route.
func NewServer(submitter Submitter, jobs ports.JobStore, artifacts ports.ArtifactStore, events *service.EventBus, opts Options, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	s := &Server{
		echo:      echo.New(),
		submitter: submitter,
		jobs:      jobs,
		artifacts: artifacts,
		events:    events,
		logger:    logger,
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	}))

	var limit []echo.MiddlewareFunc
	if opts.SubmitRateLimit > 0 {
		burst := int(opts.SubmitRateLimit)
		if burst < 1 {
			burst = 1
		}
		limit = append(limit, middleware.RateLimiter(middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{Rate: rate.Limit(opts.SubmitRateLimit), Burst: burst},
		)))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	g := e.Group("/api")
	g.POST("/extract-info", s.extractInfo, limit...)
	g.POST("/download-segment", s.downloadSegment, limit...)
	g.GET("/task-status/:id", s.taskStatus)
	g.GET("/task-events/:id", s.taskEvents)

	if opts.DownloadsDir != "" {
		e.Static("/downloads", opts.DownloadsDir)
	}
	return s
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown. It returns http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Printf("HTTP server listening on %s", addr)
	return s.echo.Start(addr)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

type extractInfoRequest struct {
	URL string `json:"youtube_url"`
}

type downloadSegmentRequest struct {
	URL     string `json:"youtube_url"`
	Start   int    `json:"start_time"`
	End     int    `json:"end_time"`
	Quality string `json:"quality"`
}

type downloadSegmentResponse struct {
	TaskID            string           `json:"task_id"`
	Status            domain.JobStatus `json:"status"`
	EstimatedSize     int64            `json:"estimated_size"`
	EstimatedDuration int              `json:"estimated_duration"`
}

type taskStatusResponse struct {
	TaskID       string           `json:"task_id"`
	Status       domain.JobStatus `json:"status"`
	Progress     int              `json:"progress"`
	DownloadURL  *string          `json:"download_url"`
	ErrorMessage *string          `json:"error_message"`
	FileSize     *int64           `json:"file_size"`
}

func (s *Server) extractInfo(c echo.Context) error {
	var req extractInfoRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
	}
	meta, err := s.submitter.ExtractInfo(c.Request().Context(), req.URL)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, meta)
}

func (s *Server) downloadSegment(c echo.Context) error {
	var req downloadSegmentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
	}
	sub, err := s.submitter.Submit(c.Request().Context(), service.SubmitRequest{
		SourceURL: req.URL,
		Start:     req.Start,
		End:       req.End,
		Quality:   req.Quality,
	})
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, downloadSegmentResponse{
		TaskID:            sub.Job.ID,
		Status:            sub.Job.Status,
		EstimatedSize:     sub.EstimatedSize,
		EstimatedDuration: sub.EstimatedDuration,
	})
}

func (s *Server) taskStatus(c echo.Context) error {
	job, err := s.jobs.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, errorBody("task not found"))
		}
		return s.writeError(c, err)
	}

	resp := taskStatusResponse{TaskID: job.ID, Status: job.Status, Progress: job.Progress}
	if job.Error != "" {
		msg := job.Error
		resp.ErrorMessage = &msg
	}
	if job.Status == domain.JobStatusCompleted && job.Output != "" {
		url := "/" + job.Output
		resp.DownloadURL = &url
		if info, err := s.artifacts.Stat(job.Output); err == nil {
			size := info.Size
			resp.FileSize = &size
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) taskEvents(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.jobs.Get(c.Request().Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, errorBody("task not found"))
		}
		return s.writeError(c, err)
	}
	var since int64
	if raw := c.QueryParam("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, errorBody("since must be a non-negative integer"))
		}
		since = n
	}
	events := []service.Event{}
	if s.events != nil {
		events = append(events, s.events.Since(id, since)...)
	}
	return c.JSON(http.StatusOK, map[string]any{"task_id": id, "events": events})
}

// writeError maps service errors to status codes. Anything unexpected is a 500 with a
// generic body; the detail goes to the log.
func (s *Server) writeError(c echo.Context, err error) error {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, errorBody(verr.Message))
	case errors.Is(err, domain.ErrTooLarge):
		return c.JSON(http.StatusBadRequest, errorBody(domain.ErrTooLarge.Error()))
	case errors.Is(err, domain.ErrMetadata):
		return c.JSON(http.StatusBadRequest, errorBody(domain.ErrMetadata.Error()))
	}
	s.logger.Printf("%s %s failed: %v", c.Request().Method, c.Path(), err)
	return c.JSON(http.StatusInternalServerError, errorBody("internal server error"))
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
