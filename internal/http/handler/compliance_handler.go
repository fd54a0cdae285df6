package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/authz"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/clients"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/domain"
	httpmiddleware "github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/http/middleware"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/service"
)

// ComplianceHandler serves data subject request endpoints and the callback
// downstream services report through.
type ComplianceHandler struct {
	compliance *service.ComplianceService
	clients    *clients.Registry
}

func NewComplianceHandler(compliance *service.ComplianceService, registry *clients.Registry) *ComplianceHandler {
	return &ComplianceHandler{compliance: compliance, clients: registry}
}

type createJobRequest struct {
	UserID      string   `json:"user_id"`
	Services    []string `json:"services"`
	CallbackURL string   `json:"callback_url"`
}

type serviceStatusView struct {
	ServiceName  string         `json:"service_name"`
	Status       string         `json:"status"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type jobView struct {
	ID          string              `json:"id"`
	UserID      string              `json:"user_id"`
	Type        string              `json:"type"`
	Status      string              `json:"status"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	Services    []serviceStatusView `json:"services"`
}

func viewOf(job domain.ComplianceJob) jobView {
	view := jobView{
		ID:          job.ID,
		UserID:      job.UserID,
		Type:        string(job.Type),
		Status:      string(job.Status),
		CompletedAt: job.CompletedAt,
		CreatedAt:   job.CreatedAt,
		Services:    make([]serviceStatusView, 0, len(job.Services)),
	}
	for _, row := range job.Services {
		view.Services = append(view.Services, serviceStatusView{
			ServiceName:  row.ServiceName,
			Status:       string(row.Status),
			CompletedAt:  row.CompletedAt,
			ErrorMessage: row.ErrorMessage,
			Metadata:     row.Metadata,
		})
	}
	return view
}

// Export handles POST /privacy/export.
func (h *ComplianceHandler) Export(c *gin.Context) {
	h.create(c, domain.ComplianceDataExport)
}

// Delete handles POST /privacy/delete.
func (h *ComplianceHandler) Delete(c *gin.Context) {
	h.create(c, domain.ComplianceDataDeletion)
}

func (h *ComplianceHandler) create(c *gin.Context, jobType domain.ComplianceJobType) {
	claims, ok := httpmiddleware.GetAccessClaims(c)
	if !ok {
		writeError(c, service.InvalidToken("authentication required"))
		return
	}
	tenantID, _ := httpmiddleware.GetTenantID(c)

	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, service.InvalidRequest("request body is malformed"))
		return
	}
	target := req.UserID
	if target == "" {
		target = claims.Subject
	}

	resource := authz.Resource{Kind: authz.ResourceComplianceJob, TenantID: tenantID, OwnerID: target}
	if !authz.Allowed(subjectOf(claims), authz.ActionComplianceCreate, resource) {
		writeError(c, service.AccessDenied("not allowed to raise this request"))
		return
	}

	job, err := h.compliance.CreateJob(c.Request.Context(), service.CreateJobRequest{
		UserID:            target,
		TenantID:          tenantID,
		Type:              jobType,
		AffectedServices:  req.Services,
		ResultCallbackURL: req.CallbackURL,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNoServices):
			writeError(c, service.InvalidRequest(err.Error()))
		case errors.Is(err, service.ErrUnknownUser):
			writeError(c, service.InvalidRequest("unknown data subject"))
		default:
			writeError(c, service.ServerError("could not create compliance job"))
		}
		return
	}
	c.JSON(http.StatusAccepted, viewOf(job))
}

// GetJob handles GET /privacy/jobs/:id.
func (h *ComplianceHandler) GetJob(c *gin.Context) {
	claims, ok := httpmiddleware.GetAccessClaims(c)
	if !ok {
		writeError(c, service.InvalidToken("authentication required"))
		return
	}
	tenantID, _ := httpmiddleware.GetTenantID(c)

	job, err := h.compliance.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		writeError(c, service.ServerError("could not load compliance job"))
		return
	}
	if job.TenantID != tenantID {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	resource := authz.Resource{Kind: authz.ResourceComplianceJob, TenantID: tenantID, OwnerID: job.UserID}
	if !authz.Allowed(subjectOf(claims), authz.ActionComplianceRead, resource) {
		writeError(c, service.AccessDenied("not allowed to read this job"))
		return
	}
	c.JSON(http.StatusOK, viewOf(job))
}

type callbackRequest struct {
	ClientAssertionType string         `json:"client_assertion_type"`
	ClientAssertion     string         `json:"client_assertion"`
	ServiceName         string         `json:"service_name" binding:"required"`
	Status              string         `json:"status" binding:"required"`
	ErrorMessage        string         `json:"error_message"`
	Metadata            map[string]any `json:"metadata"`
}

// Callback handles POST /privacy/jobs/:id/callbacks. Callers are downstream
// services authenticating with a private_key_jwt assertion.
func (h *ComplianceHandler) Callback(c *gin.Context) {
	var req callbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, service.InvalidRequest("request body is malformed"))
		return
	}
	if req.ClientAssertionType != clients.AssertionType {
		writeError(c, service.InvalidClient("client_assertion_type must be "+clients.AssertionType))
		return
	}
	if _, err := h.clients.VerifyAssertion(req.ClientAssertion, httpmiddleware.RequestURL(c), time.Now()); err != nil {
		writeError(c, service.InvalidClient("client assertion failed verification"))
		return
	}

	job, err := h.compliance.HandleCallback(c.Request.Context(), c.Param("id"), req.ServiceName,
		domain.ComplianceJobStatus(req.Status), req.ErrorMessage, req.Metadata)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidStatus):
			writeError(c, service.InvalidRequest(err.Error()))
		case errors.Is(err, service.ErrServiceNotFound), errors.Is(err, service.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		default:
			writeError(c, service.ServerError("could not record callback"))
		}
		return
	}
	c.JSON(http.StatusOK, viewOf(job))
}
