package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/haasonsaas/dirsync/pkg/apierr"
	"github.com/haasonsaas/dirsync/pkg/ca"
	"github.com/haasonsaas/dirsync/pkg/protocol"
	"github.com/haasonsaas/dirsync/pkg/store"
)

func certificateResponse(msg string, issued *ca.IssuedCertificate) protocol.CertificateResponse {
	return protocol.CertificateResponse{
		Success:        true,
		Message:        msg,
		Certificate:    ca.Info(issued.Record),
		CertificatePEM: issued.CertificatePEM,
		PrivateKeyPEM:  issued.PrivateKeyPEM,
		ChainPEM:       issued.ChainPEM,
	}
}

// handleGenerateCertificate issues a certificate. The caller proves
// itself with its current certificate or, for the first issuance, with
// the bootstrap token handed out at registration.
func (s *Server) handleGenerateCertificate(c *gin.Context) {
	var req protocol.GenerateCertificateRequest
	if !bindJSON(c, &req, s.logger) {
		return
	}
	ctx := c.Request.Context()

	if token := strings.TrimSpace(req.BootstrapToken); token != "" {
		if err := s.registry.RedeemBootstrapToken(ctx, req.AgentID, token); err != nil {
			respondError(c, err, s.logger)
			return
		}
	} else if _, err := s.ca.Authenticate(ctx, req.AgentID, peerThumbprint(c)); err != nil {
		respondError(c, err, s.logger)
		return
	}

	issued, err := s.ca.Issue(ctx, ca.IssueRequest{
		AgentID:         req.AgentID,
		Subject:         req.Subject,
		ValidityDays:    req.ValidityDays,
		Usage:           req.KeyUsage,
		SubjectAltNames: req.SubjectAltNames,
	})
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	requestLogger(c, s.logger).Info().Str("agent_id", req.AgentID).Str("thumbprint", issued.Record.Thumbprint).
		Time("not_after", issued.Record.NotAfter).Msg("certificate issued")
	c.JSON(http.StatusOK, certificateResponse("certificate issued", issued))
}

func (s *Server) handleRenewCertificate(c *gin.Context) {
	var req protocol.RenewCertificateRequest
	if !bindJSON(c, &req, s.logger) {
		return
	}
	ctx := c.Request.Context()
	if _, err := s.ca.Authenticate(ctx, req.AgentID, peerThumbprint(c)); err != nil {
		respondError(c, err, s.logger)
		return
	}
	issued, err := s.ca.Renew(ctx, ca.RenewRequest{
		AgentID:           req.AgentID,
		CurrentThumbprint: req.CurrentThumbprint,
		ValidityDays:      req.ValidityDays,
		RevokeOld:         req.RevokeOld,
	})
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	requestLogger(c, s.logger).Info().Str("agent_id", req.AgentID).Str("old_thumbprint", req.CurrentThumbprint).
		Str("thumbprint", issued.Record.Thumbprint).Msg("certificate renewed")
	c.JSON(http.StatusOK, certificateResponse("certificate renewed", issued))
}

func (s *Server) handleRevokeCertificate(c *gin.Context) {
	var req protocol.RevokeCertificateRequest
	if !bindJSON(c, &req, s.logger) {
		return
	}
	ctx := c.Request.Context()
	if _, err := s.ca.Authenticate(ctx, req.AgentID, peerThumbprint(c)); err != nil {
		respondError(c, err, s.logger)
		return
	}
	s.revoke(c, req)
}

func (s *Server) revoke(c *gin.Context, req protocol.RevokeCertificateRequest) {
	cert, err := s.ca.Revoke(c.Request.Context(), req.AgentID, req.Thumbprint, req.Reason)
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"message":     "certificate revoked",
		"certificate": ca.Info(*cert),
	})
}

func (s *Server) handleValidateCertificate(c *gin.Context) {
	var req protocol.ValidateCertificateRequest
	if !bindJSON(c, &req, s.logger) {
		return
	}
	if strings.TrimSpace(req.CertificatePEM) == "" {
		respondError(c, apierr.Validation("certificate_pem is required"), s.logger)
		return
	}
	vr := ca.ValidateRequest{
		CertificatePEM:  []byte(req.CertificatePEM),
		CheckRevocation: req.CheckRevocation,
		CheckChain:      req.CheckChain,
	}
	if req.At != nil {
		vr.At = req.At.UTC()
	}
	result, err := s.ca.Validate(c.Request.Context(), vr)
	if err != nil {
		respondError(c, err, s.logger)
		return
	}

	resp := protocol.ValidateCertificateResponse{
		Success:    true,
		Valid:      result.Valid,
		Reasons:    result.Reasons,
		Thumbprint: result.Thumbprint,
		Status:     result.Status,
	}
	if resp.Reasons == nil {
		resp.Reasons = []string{}
	}
	if !result.NotBefore.IsZero() {
		resp.NotBefore = timePtr(result.NotBefore)
		resp.NotAfter = timePtr(result.NotAfter)
	}
	c.JSON(http.StatusOK, resp)
}

func timePtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}

// handleListCertificates lists the certificates of the calling agent.
func (s *Server) handleListCertificates(c *gin.Context) {
	agentID := c.Param("agentId")
	ctx := c.Request.Context()
	if _, err := s.ca.Authenticate(ctx, agentID, peerThumbprint(c)); err != nil {
		respondError(c, err, s.logger)
		return
	}
	s.listCertificates(c, agentID)
}

func (s *Server) listCertificates(c *gin.Context, agentID string) {
	page, err := s.ca.List(c.Request.Context(), store.CertificateFilter{
		AgentID:        agentID,
		Status:         c.Query("status"),
		IncludeExpired: queryBool(c, "include_expired"),
		IncludeRevoked: queryBool(c, "include_revoked"),
		Page:           queryInt(c, "page"),
		PageSize:       queryInt(c, "page_size"),
	})
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	items := make([]protocol.CertificateInfo, 0, len(page.Items))
	for _, cert := range page.Items {
		items = append(items, ca.Info(cert))
	}
	c.JSON(http.StatusOK, protocol.CertificateListResponse{
		Success:  true,
		Items:    items,
		Total:    page.Total,
		Page:     page.Page,
		PageSize: page.PageSize,
	})
}
