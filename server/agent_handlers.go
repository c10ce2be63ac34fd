package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/haasonsaas/dirsync/pkg/protocol"
	"github.com/haasonsaas/dirsync/pkg/submission"
)

func (s *Server) handleRegister(c *gin.Context) {
	var req protocol.RegisterRequest
	if !bindJSON(c, &req, s.logger) {
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = c.ClientIP()
	}

	result, err := s.registry.Register(c.Request.Context(), req)
	if err != nil {
		respondError(c, err, s.logger)
		return
	}

	msg := "agent registered"
	switch {
	case result.Reactivated:
		msg = "agent reactivated"
	case !result.Created:
		msg = "agent already registered"
	}
	settings := result.Settings
	requestLogger(c, s.logger).Info().Str("agent_id", result.Agent.ID).Bool("created", result.Created).
		Str("machine_name", result.Agent.MachineName).Msg(msg)

	c.JSON(http.StatusOK, protocol.RegisterResponse{
		Success:        true,
		Message:        msg,
		AgentID:        result.Agent.ID,
		Created:        result.Created,
		Config:         &settings,
		BootstrapToken: result.BootstrapToken,
	})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req protocol.HeartbeatRequest
	if !bindJSON(c, &req, s.logger) {
		return
	}
	resp, err := s.heartbeats.Heartbeat(c.Request.Context(), peerThumbprint(c), req)
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSubmitData(c *gin.Context) {
	// Base64 in JSON inflates the payload by a third.
	limit := int64(s.cfg.Agents.MaxPayloadMB<<20)*4/3 + 64<<10
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	var req protocol.SubmitDataRequest
	if !bindJSON(c, &req, s.logger) {
		return
	}
	result, err := s.pipeline.Submit(c.Request.Context(), peerThumbprint(c), req)
	if err != nil {
		respondError(c, err, s.logger)
		return
	}

	resp := submission.Response(result)
	requestLogger(c, s.logger).Info().Str("agent_id", req.AgentID).Str("submission_id", resp.SubmissionID).
		Str("status", resp.Status).Bool("duplicate", resp.Duplicate).
		Int("processed", resp.ProcessedCount).Int("errors", resp.ErrorCount).Msg("submission handled")

	// A failed batch is still a handled request; the outcome is in the body.
	c.JSON(http.StatusOK, resp)
}
