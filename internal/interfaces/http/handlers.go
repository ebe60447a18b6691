package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/requisition-portal/internal/application/service"
	"github.com/garyjia/requisition-portal/internal/domain/entity"
	domainwf "github.com/garyjia/requisition-portal/internal/domain/workflow"
	"github.com/garyjia/requisition-portal/pkg/utils"
)

// Handlers contains all HTTP request handlers
type Handlers struct {
	requisitions   service.RequisitionService
	health         HealthCheck
	maxUploadBytes int64
	logger         Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(requisitions service.RequisitionService, health HealthCheck, maxUploadBytes int64, logger Logger) *Handlers {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultServerConfig().MaxUploadBytes
	}
	return &Handlers{
		requisitions:   requisitions,
		health:         health,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

// Response represents a standard JSON response. Rejected workflow actions
// carry the requisition's authoritative state in Current.
type Response struct {
	Success   bool              `json:"success"`
	Data      interface{}       `json:"data,omitempty"`
	Error     string            `json:"error,omitempty"`
	ErrorKind string            `json:"error_kind,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Current   interface{}       `json:"current,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}

// ActRequest is the body of POST /api/requisitions/:id/act
type ActRequest struct {
	Action  string `json:"action" binding:"required"`
	Comment string `json:"comment"`
	Level   *int   `json:"level"`
}

// ListRequest represents query parameters for listing requisitions
type ListRequest struct {
	Status     string `form:"status"`
	Department string `form:"department"`
	Limit      int    `form:"limit"`
	Offset     int    `form:"offset"`
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			c.JSON(http.StatusServiceUnavailable, Response{Success: false, Data: resp})
			return
		}
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: resp})
}

// CreateDraft handles POST /api/requisitions
func (h *Handlers) CreateDraft(c *gin.Context) {
	var input service.DraftInput
	if err := c.ShouldBindJSON(&input); err != nil {
		h.badRequest(c, "invalid request body", err)
		return
	}

	req, err := h.requisitions.CreateDraft(c.Request.Context(), actorFrom(c), sanitizeDraft(input))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, Response{Success: true, Data: req})
}

// UpdateDraft handles PUT /api/requisitions/:id
func (h *Handlers) UpdateDraft(c *gin.Context) {
	id, ok := h.requisitionID(c)
	if !ok {
		return
	}
	var input service.DraftInput
	if err := c.ShouldBindJSON(&input); err != nil {
		h.badRequest(c, "invalid request body", err)
		return
	}

	req, err := h.requisitions.UpdateDraft(c.Request.Context(), actorFrom(c), id, sanitizeDraft(input))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: req})
}

// Submit handles POST /api/requisitions/:id/submit
func (h *Handlers) Submit(c *gin.Context) {
	id, ok := h.requisitionID(c)
	if !ok {
		return
	}

	result, err := h.requisitions.Submit(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: result})
}

// Act handles POST /api/requisitions/:id/act
func (h *Handlers) Act(c *gin.Context) {
	id, ok := h.requisitionID(c)
	if !ok {
		return
	}
	var body ActRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, "invalid request body", err)
		return
	}

	result, err := h.requisitions.Act(c.Request.Context(), actorFrom(c), id, service.ActRequest{
		Action:  body.Action,
		Comment: utils.SanitizeString(body.Comment),
		Level:   body.Level,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: result})
}

// GetRequisition handles GET /api/requisitions/:id
func (h *Handlers) GetRequisition(c *gin.Context) {
	id, ok := h.requisitionID(c)
	if !ok {
		return
	}

	req, err := h.requisitions.Get(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: req})
}

// History handles GET /api/requisitions/:id/history
func (h *Handlers) History(c *gin.Context) {
	id, ok := h.requisitionID(c)
	if !ok {
		return
	}

	entries, err := h.requisitions.History(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if entries == nil {
		entries = []*entity.AuditEntry{}
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: entries})
}

// ExportHistory handles GET /api/requisitions/:id/history/export
func (h *Handlers) ExportHistory(c *gin.Context) {
	id, ok := h.requisitionID(c)
	if !ok {
		return
	}

	export, err := h.requisitions.ExportHistory(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName))
	c.Data(http.StatusOK, export.ContentType, export.Content)
}

// ListRequisitions handles GET /api/requisitions
func (h *Handlers) ListRequisitions(c *gin.Context) {
	var q ListRequest
	if err := c.ShouldBindQuery(&q); err != nil {
		h.badRequest(c, "invalid query parameters", err)
		return
	}

	reqs, err := h.requisitions.ListFor(c.Request.Context(), actorFrom(c), service.ListFilter{
		Status:     q.Status,
		Department: q.Department,
		Limit:      q.Limit,
		Offset:     q.Offset,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	if reqs == nil {
		reqs = []*entity.Requisition{}
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: reqs})
}

// UploadAttachment handles POST /api/requisitions/:id/attachments
func (h *Handlers) UploadAttachment(c *gin.Context) {
	id, ok := h.requisitionID(c)
	if !ok {
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		h.badRequest(c, "multipart field \"file\" is required", err)
		return
	}
	if header.Size > h.maxUploadBytes {
		h.writeError(c, &domainwf.ValidationError{Fields: map[string]string{
			"file": fmt.Sprintf("must not exceed %d bytes", h.maxUploadBytes),
		}})
		return
	}

	f, err := header.Open()
	if err != nil {
		h.logger.Error("Failed to open upload", "error", err)
		h.badRequest(c, "unreadable upload", err)
		return
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, h.maxUploadBytes+1))
	if err != nil {
		h.badRequest(c, "unreadable upload", err)
		return
	}

	att, err := h.requisitions.AddAttachment(c.Request.Context(), actorFrom(c), id, entity.AttachmentFile{
		Content:     content,
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        int64(len(content)),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, Response{Success: true, Data: att})
}

func (h *Handlers) requisitionID(c *gin.Context) (int64, bool) {
	raw := c.Param("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		h.badRequest(c, "invalid requisition id", fmt.Errorf("id %q", raw))
		return 0, false
	}
	return id, true
}

func (h *Handlers) badRequest(c *gin.Context, msg string, err error) {
	h.logger.Error("Bad request", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusBadRequest, Response{
		Success:   false,
		Error:     msg,
		ErrorKind: "validation",
	})
}

// writeError maps workflow errors onto HTTP status codes
func (h *Handlers) writeError(c *gin.Context, err error) {
	status, kind := classify(err)

	resp := Response{
		Success:   false,
		Error:     err.Error(),
		ErrorKind: kind,
	}

	var validation *domainwf.ValidationError
	if errors.As(err, &validation) {
		resp.Fields = validation.Fields
	}
	var action *service.ActionError
	if errors.As(err, &action) && action.Current != nil {
		resp.Current = action.Current
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "path", c.FullPath(), "error", err)
		resp.Error = "internal error"
	}

	c.JSON(status, resp)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domainwf.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, domainwf.ErrNotAuthorized):
		return http.StatusForbidden, "not_authorized"
	case errors.Is(err, domainwf.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domainwf.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, domainwf.ErrConcurrencyConflict):
		return http.StatusConflict, "concurrency_conflict"
	case errors.Is(err, domainwf.ErrRoutingGap):
		return http.StatusUnprocessableEntity, "routing_gap"
	case errors.Is(err, domainwf.ErrLedgerCorrupt):
		return http.StatusInternalServerError, "ledger_corrupt"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func actorFrom(c *gin.Context) entity.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(entity.Actor); ok {
			return actor
		}
	}
	return entity.Actor{}
}

func sanitizeDraft(in service.DraftInput) service.DraftInput {
	in.Title = utils.SanitizeString(in.Title)
	in.Location = utils.SanitizeString(in.Location)
	in.JustificationDetails = utils.SanitizeString(in.JustificationDetails)
	for i := range in.LineItems {
		in.LineItems[i].Description = utils.SanitizeString(in.LineItems[i].Description)
	}
	return in
}
