package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/Nihal-123-456/linkedin-post-scheduler/flows"
	"github.com/Nihal-123-456/linkedin-post-scheduler/internal/posts"
	"github.com/Nihal-123-456/linkedin-post-scheduler/internal/scheduler"
)

// Posts is the post service the handlers drive. *posts.Service implements it.
type Posts interface {
	List(ctx context.Context, userID int64, limit int) ([]*posts.Post, error)
	Get(ctx context.Context, id int64) (*posts.Post, error)
	Create(ctx context.Context, d posts.Draft) (*posts.Result, error)
	Edit(ctx context.Context, id int64, d posts.Draft) (*posts.Result, error)
	RequestShare(ctx context.Context, id int64, shareNow bool) (*posts.Result, error)
}

// Runs reports the publish runs of a post.
type Runs interface {
	LatestRun(ctx context.Context, postID int64) (*scheduler.RunReport, error)
}

// TriggerRuns reads run reports through a trigger on db.
type TriggerRuns struct {
	Trigger *scheduler.Trigger
	DB      flows.DBTX
}

func (r TriggerRuns) LatestRun(ctx context.Context, postID int64) (*scheduler.RunReport, error) {
	return r.Trigger.LatestRun(ctx, r.DB, postID)
}

// Config wires a Server.
type Config struct {
	Service  string
	Posts    Posts
	Runs     Runs
	DB       Pinger
	InFlight func() int64
	Metrics  *HTTPMetrics
	Gatherer prometheus.Gatherer
	Logger   logrus.FieldLogger
}

// Server exposes posts and their publish runs over HTTP.
type Server struct {
	service  string
	posts    Posts
	runs     Runs
	db       Pinger
	inFlight func() int64
	log      logrus.FieldLogger
}

// NewRouter builds the gin engine with middleware and routes.
func NewRouter(cfg Config) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Service == "" {
		cfg.Service = "linkedin-post-scheduler"
	}
	s := &Server{
		service:  cfg.Service,
		posts:    cfg.Posts,
		runs:     cfg.Runs,
		db:       cfg.DB,
		inFlight: cfg.InFlight,
		log:      cfg.Logger,
	}

	r := gin.New()
	r.Use(RequestIDMiddleware(), LoggingMiddleware(cfg.Logger))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware())
	}
	// Innermost, so panics are still logged and counted as 500s.
	r.Use(RecoveryMiddleware(cfg.Logger))

	r.GET("/health", s.health)
	if cfg.Gatherer != nil {
		r.GET("/metrics", MetricsHandler(cfg.Gatherer))
	}

	g := r.Group("/api/posts")
	g.GET("", s.listPosts)
	g.POST("", s.createPost)
	g.GET("/:id", s.getPost)
	g.PUT("/:id", s.editPost)
	g.POST("/:id/share", s.sharePost)
	g.GET("/:id/run", s.getRun)
	return r
}

type postResponse struct {
	*posts.Post
	WorkflowStarted bool `json:"workflow_started"`
}

type shareRequest struct {
	ShareNow bool `json:"share_now"`
}

func (s *Server) listPosts(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id query parameter is required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := s.posts.List(c.Request.Context(), userID, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []*posts.Post{}
	}
	c.JSON(http.StatusOK, gin.H{"posts": list})
}

func (s *Server) createPost(c *gin.Context) {
	var d posts.Draft
	if err := c.ShouldBindJSON(&d); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	res, err := s.posts.Create(c.Request.Context(), d)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, postResponse{Post: res.Post, WorkflowStarted: res.WorkflowStarted})
}

func (s *Server) getPost(c *gin.Context) {
	id, ok := postID(c)
	if !ok {
		return
	}
	p, err := s.posts.Get(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, postResponse{Post: p})
}

func (s *Server) editPost(c *gin.Context) {
	id, ok := postID(c)
	if !ok {
		return
	}
	var d posts.Draft
	if err := c.ShouldBindJSON(&d); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	res, err := s.posts.Edit(c.Request.Context(), id, d)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, postResponse{Post: res.Post, WorkflowStarted: res.WorkflowStarted})
}

func (s *Server) sharePost(c *gin.Context) {
	id, ok := postID(c)
	if !ok {
		return
	}
	var req shareRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	res, err := s.posts.RequestShare(c.Request.Context(), id, req.ShareNow)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, postResponse{Post: res.Post, WorkflowStarted: res.WorkflowStarted})
}

type stepResponse struct {
	StepKey   string          `json:"step_key"`
	Status    string          `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Attempts  int             `json:"attempts"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type runResponse struct {
	RunID      string            `json:"run_id"`
	Status     string            `json:"status"`
	Error      string            `json:"error,omitempty"`
	Attempts   int               `json:"attempts"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	NextWakeAt *time.Time        `json:"next_wake_at,omitempty"`
	Steps      []stepResponse    `json:"steps"`
	Output     *scheduler.Output `json:"output,omitempty"`
}

func (s *Server) getRun(c *gin.Context) {
	id, ok := postID(c)
	if !ok {
		return
	}
	report, err := s.runs.LatestRun(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}

	resp := runResponse{
		RunID:      string(report.Run.Key.RunID),
		Status:     report.Run.Status,
		Error:      report.Run.Error,
		Attempts:   report.Run.Attempts,
		CreatedAt:  report.Run.CreatedAt,
		UpdatedAt:  report.Run.UpdatedAt,
		NextWakeAt: report.Run.NextWakeAt,
		Steps:      make([]stepResponse, 0, len(report.Steps)),
		Output:     report.Output,
	}
	for _, st := range report.Steps {
		step := stepResponse{
			StepKey:   st.StepKey,
			Status:    st.Status,
			Error:     st.Error,
			Attempts:  st.Attempts,
			UpdatedAt: st.UpdatedAt,
		}
		if json.Valid(st.OutputJSON) {
			step.Output = st.OutputJSON
		}
		resp.Steps = append(resp.Steps, step)
	}
	c.JSON(http.StatusOK, resp)
}

func postID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid post id"})
		return 0, false
	}
	return id, true
}

var validationErrors = []error{
	posts.ErrNoContent,
	posts.ErrConflictingContent,
	posts.ErrShareAtNotFuture,
	posts.ErrArticleTitleLong,
	posts.ErrInvalidArticleURL,
	posts.ErrInvalidStatus,
}

func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	switch {
	case errors.Is(err, posts.ErrNotFound), errors.Is(err, scheduler.ErrNoRun):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, posts.ErrImmutable), errors.Is(err, posts.ErrAlreadyPublished):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case isValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.log.WithError(err).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func isValidation(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
