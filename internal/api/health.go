package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthStatus struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Timestamp int64  `json:"timestamp"`
	Database  string `json:"database"`
	InFlight  int64  `json:"runs_in_flight"`
	Message   string `json:"message,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	st := healthStatus{
		Status:    statusHealthy,
		Service:   s.service,
		Timestamp: time.Now().Unix(),
		Database:  statusHealthy,
	}
	if s.inFlight != nil {
		st.InFlight = s.inFlight()
	}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			st.Status = statusUnhealthy
			st.Database = statusUnhealthy
			st.Message = "database ping failed: " + err.Error()
		}
	}

	code := http.StatusOK
	if st.Status == statusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, st)
}
