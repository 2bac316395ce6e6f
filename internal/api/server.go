// Package api exposes the HTTP surface that drives the orchestrator:
// starting runs, querying run status, health, and metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quintrel/researchd/internal/research"
)

// RunService is the orchestrator-facing contract the server drives.
type RunService interface {
	Start(ctx context.Context, req research.StartRequest) (research.RunOutcome, error)
	StatusOf(ctx context.Context, conversationStateID string) (research.RunStatus, error)
}

type Server struct {
	runs RunService
	log  *slog.Logger
}

func NewServer(runs RunService, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{runs: runs, log: log}
}

func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.POST("/runs", s.startRun)
	v1.GET("/conversations/:id/run", s.runStatus)
	return router
}

type startRunRequest struct {
	ConversationStateID string `json:"conversationStateId" binding:"required"`
	RootMessageID       string `json:"rootMessageId" binding:"required"`
	StateID             string `json:"stateId" binding:"required"`
	Mode                string `json:"mode"`
	JobID               string `json:"jobId"`
	UserInput           string `json:"userInput"`
}

// startRun admits the run and drives it in the background. The advisory
// status check here gives duplicate callers a synchronous 409; the lock
// and ledger inside the orchestrator are what actually prevent two runs.
func (s *Server) startRun(c *gin.Context) {
	var body startRunRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status, err := s.runs.StatusOf(c.Request.Context(), body.ConversationStateID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if status.Active {
		c.JSON(http.StatusConflict, gin.H{
			"error": "a research run is already active for this conversation",
			"owner": status.Owner,
		})
		return
	}

	req := research.StartRequest{
		ConversationStateID: body.ConversationStateID,
		RootMessageID:       body.RootMessageID,
		StateID:             body.StateID,
		Mode:                research.RunMode(body.Mode),
		JobID:               body.JobID,
		UserInput:           body.UserInput,
	}
	go func() {
		outcome, err := s.runs.Start(context.Background(), req)
		var dup *research.DuplicateRunError
		switch {
		case errors.As(err, &dup):
			s.log.Info("run refused as duplicate", "conversation", req.ConversationStateID)
		case err != nil:
			s.log.Error("run terminated abnormally",
				"conversation", req.ConversationStateID, "error", err)
		default:
			s.log.Info("run finished",
				"conversation", req.ConversationStateID,
				"result", outcome.Result, "iterations", outcome.Iterations)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "started", "conversationStateId": body.ConversationStateID})
}

func (s *Server) runStatus(c *gin.Context) {
	status, err := s.runs.StatusOf(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}
