package main

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/haasonsaas/dirsync/pkg/apierr"
	"github.com/haasonsaas/dirsync/pkg/protocol"
	"github.com/haasonsaas/dirsync/pkg/registry"
	"github.com/haasonsaas/dirsync/pkg/store"
	"github.com/haasonsaas/dirsync/pkg/submission"
)

func (s *Server) registerAdminRoutes(r *gin.Engine) {
	admin := r.Group("/admin", s.requireAdmin)
	admin.GET("/agents", s.handleListAgents)
	admin.GET("/agents/:id", s.handleGetAgent)
	admin.POST("/agents/:id/deactivate", s.handleDeactivateAgent)
	admin.GET("/certificates", s.handleAdminListCertificates)
	admin.POST("/certificates/revoke", s.handleAdminRevokeCertificate)
	admin.GET("/submissions", s.handleListSubmissions)
	admin.GET("/submissions/:id", s.handleGetSubmission)
	admin.GET("/settings", s.handleGetSettings)
	admin.PUT("/settings", s.handleUpdateSettings)
}

func (s *Server) agentInfo(c *gin.Context, agent *store.Agent) (protocol.AgentInfo, bool) {
	state, err := s.registry.State(c.Request.Context(), agent)
	if err != nil {
		respondError(c, err, s.logger)
		return protocol.AgentInfo{}, false
	}
	return registry.Info(*agent, state), true
}

func (s *Server) handleListAgents(c *gin.Context) {
	filter := registry.ListFilter{
		Type:            c.Query("type"),
		IncludeInactive: queryBool(c, "all"),
		Page:            queryInt(c, "page"),
		PageSize:        queryInt(c, "page_size"),
	}
	agents, total, err := s.registry.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	items := make([]protocol.AgentInfo, 0, len(agents))
	for i := range agents {
		info, ok := s.agentInfo(c, &agents[i])
		if !ok {
			return
		}
		items = append(items, info)
	}
	page, size := pageBounds(filter.Page, filter.PageSize, 50, 200)
	c.JSON(http.StatusOK, protocol.AgentListResponse{
		Success:  true,
		Items:    items,
		Total:    total,
		Page:     page,
		PageSize: size,
	})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	agent, err := s.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	info, ok := s.agentInfo(c, agent)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, protocol.AgentResponse{Success: true, Agent: info})
}

func (s *Server) handleDeactivateAgent(c *gin.Context) {
	var req protocol.DeactivateAgentRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req, s.logger) {
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "deactivated by administrator"
	}
	agent, err := s.registry.Deactivate(c.Request.Context(), c.Param("id"), reason)
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	requestLogger(c, s.logger).Info().Str("agent_id", agent.ID).Str("reason", reason).Msg("agent deactivated")
	info, ok := s.agentInfo(c, agent)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, protocol.AgentResponse{Success: true, Agent: info})
}

func (s *Server) handleAdminListCertificates(c *gin.Context) {
	s.listCertificates(c, c.Query("agent_id"))
}

func (s *Server) handleAdminRevokeCertificate(c *gin.Context) {
	var req protocol.RevokeCertificateRequest
	if !bindJSON(c, &req, s.logger) {
		return
	}
	if req.Reason == "" {
		req.Reason = "revoked by administrator"
	}
	s.revoke(c, req)
}

func (s *Server) handleListSubmissions(c *gin.Context) {
	status := c.Query("status")
	switch status {
	case "", store.SubmissionPending, store.SubmissionProcessing, store.SubmissionCompleted, store.SubmissionFailed:
	default:
		respondError(c, apierr.Validation("unknown submission status %q", status), s.logger)
		return
	}
	filter := submission.SubmissionFilter{
		AgentID:  c.Query("agent_id"),
		Status:   status,
		Page:     queryInt(c, "page"),
		PageSize: queryInt(c, "page_size"),
	}
	subs, total, err := s.pipeline.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	page, size := pageBounds(filter.Page, filter.PageSize, 50, 100)
	items := make([]protocol.SubmissionInfo, 0, len(subs))
	for _, sub := range subs {
		info := submission.Info(sub)
		// Details are only returned by the single-submission view.
		info.ErrorDetails = nil
		items = append(items, info)
	}
	c.JSON(http.StatusOK, protocol.SubmissionListResponse{
		Success:  true,
		Items:    items,
		Total:    total,
		Page:     page,
		PageSize: size,
	})
}

func (s *Server) handleGetSubmission(c *gin.Context) {
	sub, err := s.pipeline.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, protocol.SubmissionResponse{Success: true, Submission: submission.Info(*sub)})
}

func (s *Server) handleGetSettings(c *gin.Context) {
	settings, err := s.registry.Settings(c.Request.Context())
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, protocol.SettingsResponse{Success: true, Settings: settings})
}

func (s *Server) handleUpdateSettings(c *gin.Context) {
	var req protocol.UpdateSettingsRequest
	if !bindJSON(c, &req, s.logger) {
		return
	}
	settings, err := s.registry.UpdateSettings(c.Request.Context(), registry.SettingsUpdate{
		HeartbeatIntervalSeconds:  req.HeartbeatIntervalSeconds,
		CollectionIntervalSeconds: req.CollectionIntervalSeconds,
		EnabledDataTypes:          req.EnabledDataTypes,
	})
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	requestLogger(c, s.logger).Info().Int64("version", settings.Version).Msg("agent settings updated")
	c.JSON(http.StatusOK, protocol.SettingsResponse{Success: true, Settings: settings})
}

// pageBounds mirrors the paging defaults applied by the services.
func pageBounds(page, size, def, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = def
	}
	if size > limit {
		size = limit
	}
	return page, size
}
