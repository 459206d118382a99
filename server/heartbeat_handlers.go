package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bindery-labs/bindery/pkg/auth"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type heartbeatRequest struct {
	Status     string          `json:"status"`
	SystemInfo json.RawMessage `json:"system_info"`
}

// Commands carried back to the device in a heartbeat response.
type commandSet struct {
	EmergencyWipe bool            `json:"emergency_wipe"`
	Restart       bool            `json:"restart"`
	UpdateConfig  json.RawMessage `json:"update_config,omitempty"`
}

type heartbeatResponse struct {
	PendingTasks     []taskView `json:"pending_tasks"`
	Commands         commandSet `json:"commands"`
	RequiresRotation bool       `json:"requires_rotation,omitempty"`
}

// taskView is the device-facing projection of a task row.
type taskView struct {
	ID        string          `json:"id"`
	AgentType string          `json:"agent_type"`
	Payload   json.RawMessage `json:"payload"`
	Priority  int             `json:"priority"`
	Attempts  int             `json:"attempts"`
}

// handleHeartbeat is the protocol loop: one signed call reports liveness,
// claims a batch of pending work, and drains out-of-band commands. There is
// no push channel; this pull is the only assignment mechanism.
func (s *Server) handleHeartbeat(c *gin.Context) {
	device := contextDevice(c)

	var req heartbeatRequest
	if err := json.Unmarshal(contextBody(c), &req); err != nil {
		respondError(c, http.StatusBadRequest, errBadRequest, s.logger)
		return
	}

	status := req.Status
	switch status {
	case DeviceOnline, DeviceMaintenance:
	default:
		// Devices report liveness, not bans; anything else counts as online.
		status = DeviceOnline
	}

	updates := map[string]any{
		"status":         status,
		"last_heartbeat": time.Now().UTC(),
	}
	if len(req.SystemInfo) > 0 {
		updates["system_info_raw"] = string(req.SystemInfo)
	}
	if err := s.db.Model(&Device{}).Where("id = ?", device.ID).Updates(updates).Error; err != nil {
		respondError(c, http.StatusInternalServerError, errInternal, s.logger)
		return
	}

	claimed, err := s.queue.ClaimBatch(device.ID, s.batchSize)
	if err != nil {
		reqLog := requestLogger(c, s.logger)
		reqLog.Error().Err(err).Str("device_id", device.ID).Msg("task claim failed")
		respondError(c, http.StatusInternalServerError, errInternal, s.logger)
		return
	}

	commands, err := s.drainCommands(device.ID)
	if err != nil {
		reqLog := requestLogger(c, s.logger)
		reqLog.Error().Err(err).Str("device_id", device.ID).Msg("command drain failed")
		respondError(c, http.StatusInternalServerError, errInternal, s.logger)
		return
	}

	views := make([]taskView, 0, len(claimed))
	for _, t := range claimed {
		views = append(views, taskView{
			ID:        t.ID,
			AgentType: t.AgentType,
			Payload:   json.RawMessage(t.Payload),
			Priority:  t.Priority,
			Attempts:  t.Attempts,
		})
	}

	if len(views) > 0 {
		reqLog := requestLogger(c, s.logger)
		reqLog.Info().
			Str("device_id", device.ID).
			Int("assigned", len(views)).
			Msg("tasks assigned via heartbeat")
	}

	c.JSON(http.StatusOK, heartbeatResponse{
		PendingTasks:     views,
		Commands:         commands,
		RequiresRotation: device.RequiresRotation,
	})
}

// drainCommands marks pending commands delivered and folds them into the
// response shape. Delivery is at-most-once by design; a command the device
// drops on the floor is re-issued by an operator, not the orchestrator.
func (s *Server) drainCommands(deviceID string) (commandSet, error) {
	var set commandSet
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var pending []DeviceCommand
		if err := tx.Where("device_id = ? AND delivered_at IS NULL", deviceID).
			Order("created_at asc").Find(&pending).Error; err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		now := time.Now().UTC()
		ids := make([]uint, 0, len(pending))
		for _, cmd := range pending {
			ids = append(ids, cmd.ID)
			switch cmd.Name {
			case "emergency_wipe":
				set.EmergencyWipe = true
			case "restart":
				set.Restart = true
			case "update_config":
				set.UpdateConfig = json.RawMessage(cmd.Payload)
			}
		}
		return tx.Model(&DeviceCommand{}).Where("id IN ?", ids).Update("delivered_at", now).Error
	})
	return set, err
}

// handleListTasks returns tasks assigned to the authenticated device.
func (s *Server) handleListTasks(c *gin.Context) {
	device := contextDevice(c)

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	tasks, err := s.queue.TasksForDevice(device.ID, c.Query("status"), limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, errInternal, s.logger)
		return
	}

	views := make([]gin.H, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, gin.H{
			"id":         t.ID,
			"agent_type": t.AgentType,
			"payload":    json.RawMessage(t.Payload),
			"priority":   t.Priority,
			"status":     t.Status,
			"attempts":   t.Attempts,
			"created_at": t.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, views)
}

type reportRequest struct {
	TaskID string          `json:"task_id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// handleReport finalizes a task from a device report. Reports for unknown or
// already-terminal tasks are acknowledged rather than rejected: the device
// side retries over an unreliable network and a duplicate ack is harmless,
// while an error would make it retry forever.
func (s *Server) handleReport(c *gin.Context) {
	device := contextDevice(c)

	var req reportRequest
	if err := json.Unmarshal(contextBody(c), &req); err != nil || req.TaskID == "" {
		respondError(c, http.StatusBadRequest, errBadRequest, s.logger)
		return
	}

	err := s.queue.Report(req.TaskID, device.ID, req.Status, string(req.Result), req.Error)
	switch {
	case err == nil:
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, ErrTaskTerminal):
		s.audit.Record(device.ID, violationDuplicateReport, 2, "report for task "+req.TaskID, c.ClientIP())
	case errors.Is(err, ErrInvalidStatus):
		respondError(c, http.StatusBadRequest, errBadRequest, s.logger)
		return
	default:
		reqLog := requestLogger(c, s.logger)
		reqLog.Error().Err(err).Str("task_id", req.TaskID).Msg("report failed")
		respondError(c, http.StatusInternalServerError, errInternal, s.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "task_id": req.TaskID})
}

// handleRotateSecret mints a new device secret when rotation has been
// flagged. The previous secret stays valid for the configured grace window so
// requests signed moments before the swap still verify.
func (s *Server) handleRotateSecret(c *gin.Context) {
	device := contextDevice(c)

	if !device.RequiresRotation && c.Query("force") != "true" {
		c.Status(http.StatusNoContent)
		return
	}

	secret, err := auth.GenerateSecret()
	if err != nil {
		respondError(c, http.StatusInternalServerError, errInternal, s.logger)
		return
	}

	now := time.Now().UTC()
	err = s.db.Model(&Device{}).Where("id = ?", device.ID).Updates(map[string]any{
		"secret":            secret,
		"previous_secret":   device.Secret,
		"rotated_at":        now,
		"requires_rotation": false,
	}).Error
	if err != nil {
		respondError(c, http.StatusInternalServerError, errInternal, s.logger)
		return
	}

	reqLog := requestLogger(c, s.logger)
	reqLog.Info().Str("device_id", device.ID).Msg("device secret rotated")
	c.JSON(http.StatusOK, gin.H{
		"device_token":   secret,
		"grace_period_s": int(s.rotationGrace.Seconds()),
	})
}
