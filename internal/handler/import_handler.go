package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/talentmesh/mailsync-worker/internal/repository"
	"github.com/talentmesh/mailsync-worker/internal/service"
)

// SubmitImport accepts a bulk-import submission and fans it out
func (h *Handlers) SubmitImport(c *gin.Context) {
	var body ImportRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid request body",
			Code:    http.StatusBadRequest,
		})
		return
	}

	result, err := h.orchestrator.Submit(c.Request.Context(), service.SubmitParams{
		TenantID:     body.TenantID,
		AccountIDs:   body.AccountIDs,
		UserIDs:      body.UserIDs,
		LookbackDays: body.LookbackDays,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidArgument) {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "validation_error",
				Message: err.Error(),
				Code:    http.StatusBadRequest,
			})
			return
		}
		h.log.WithError(err).Error("import submission failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to submit import request",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusAccepted, ImportSubmitResponse{
		RequestID:   result.RequestID,
		AccountIDs:  result.AccountIDs,
		DroppedRefs: result.DroppedRefs,
	})
}

// GetImport returns the aggregate status of one import request
func (h *Handlers) GetImport(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "tenant_id query parameter is required",
			Code:    http.StatusBadRequest,
		})
		return
	}

	req, identities, err := h.requests.GetSnapshot(c.Request.Context(), tenantID, c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrRequestNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Import request not found",
				Code:    http.StatusNotFound,
			})
			return
		}
		h.log.WithError(err).Error("import status lookup failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to fetch import request",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	response := ImportStatusResponse{
		RequestID:       req.ID,
		Status:          string(req.Status),
		LookbackDays:    req.LookbackDays,
		TotalIdentities: req.TotalIdentities,
		CompletedCount:  req.CompletedCount,
		FailedCount:     req.FailedCount,
		CancelRequested: req.CancelRequested,
		CreatedAt:       req.CreatedAt,
		UpdatedAt:       req.UpdatedAt,
	}
	for _, identity := range identities {
		response.Identities = append(response.Identities, IdentityResponse{
			AccountID:       identity.AccountID,
			Status:          string(identity.Status),
			ItemsImported:   identity.ItemsImported,
			EntitiesMatched: identity.EntitiesMatched,
			Errors:          identity.Errors,
			CompletedAt:     identity.CompletedAt,
		})
	}

	c.JSON(http.StatusOK, response)
}

// CancelImport sets the cancel sentinel on an import request
func (h *Handlers) CancelImport(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "tenant_id query parameter is required",
			Code:    http.StatusBadRequest,
		})
		return
	}

	if err := h.requests.RequestCancel(c.Request.Context(), tenantID, c.Param("id")); err != nil {
		if errors.Is(err, repository.ErrRequestNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Import request not found",
				Code:    http.StatusNotFound,
			})
			return
		}
		h.log.WithError(err).Error("import cancel failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to cancel import request",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "cancel_requested"})
}
