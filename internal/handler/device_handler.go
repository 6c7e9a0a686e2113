package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/ident-api/internal/models"
	"github.com/noah-isme/ident-api/internal/service"
	appErrors "github.com/noah-isme/ident-api/pkg/errors"
	"github.com/noah-isme/ident-api/pkg/response"
)

// DeviceHandler wires HTTP endpoints to the device service.
type DeviceHandler struct {
	service *service.DeviceService
}

// NewDeviceHandler creates a new handler.
func NewDeviceHandler(svc *service.DeviceService) *DeviceHandler {
	return &DeviceHandler{service: svc}
}

// List godoc
// @Summary List devices
// @Description List the caller's devices, most recently active first
// @Tags Devices
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /devices [get]
func (h *DeviceHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	devices, err := h.service.ListDevices(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, devices)
}

// UpdateMetadata godoc
// @Summary Update device metadata
// @Description Partially update display metadata on an owned device
// @Tags Devices
// @Accept json
// @Produce json
// @Param id path string true "Device id"
// @Param payload body models.DevicePatch true "Metadata patch"
// @Success 204 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /devices/{id} [patch]
func (h *DeviceHandler) UpdateMetadata(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var patch models.DevicePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid metadata patch"))
		return
	}

	if err := h.service.UpdateDeviceMetadata(c.Request.Context(), claims.UserID, c.Param("id"), patch); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}

// Remove godoc
// @Summary Remove device
// @Description Revoke the device's refresh tokens and delete it permanently
// @Tags Devices
// @Produce json
// @Param id path string true "Device id"
// @Success 204 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /devices/{id} [delete]
func (h *DeviceHandler) Remove(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.service.RemoveDevice(c.Request.Context(), claims.UserID, c.Param("id"), c.ClientIP(), c.Request.UserAgent()); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}

// UpdatePushToken godoc
// @Summary Update push token
// @Description Assign a push notification token to a device, clearing any other holder
// @Tags Devices
// @Accept json
// @Produce json
// @Param payload body models.UpdatePushTokenRequest true "Push token payload"
// @Success 204 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /devices/push-token [put]
func (h *DeviceHandler) UpdatePushToken(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req models.UpdatePushTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid push token payload"))
		return
	}
	if req.DeviceID == "" || req.PushToken == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "device_id and push_token are required"))
		return
	}

	if err := h.service.UpdatePushToken(c.Request.Context(), claims.UserID, req.DeviceID, req.PushToken); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}
