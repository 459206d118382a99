package main

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/bindery-labs/bindery/pkg/ratelimit"
	"github.com/gin-gonic/gin"
)

func (s *Server) requireAdmin(c *gin.Context) {
	authz := c.GetHeader("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		respondError(c, http.StatusUnauthorized, errUnauthorized, s.logger)
		return
	}
	token := strings.TrimPrefix(authz, "Bearer ")
	if s.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
		respondError(c, http.StatusUnauthorized, errUnauthorized, s.logger)
		return
	}
	c.Next()
}

// handleListDevices returns the fleet without secrets; device tokens never
// leave the server after registration.
func (s *Server) handleListDevices(c *gin.Context) {
	query := s.db.Order("created_at desc")
	if dept := c.Query("department"); dept != "" {
		query = query.Where("department = ?", dept)
	}
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var devices []Device
	if err := query.Find(&devices).Error; err != nil {
		respondError(c, http.StatusInternalServerError, errInternal, s.logger)
		return
	}

	resp := make([]gin.H, 0, len(devices))
	for _, d := range devices {
		resp = append(resp, gin.H{
			"id":             d.ID,
			"name":           d.Name,
			"department":     d.Department,
			"status":         d.Status,
			"security_score": d.SecurityScore,
			"last_heartbeat": d.LastHeartbeat,
			"created_at":     d.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleBanDevice(c *gin.Context) {
	s.setDeviceStatus(c, DeviceBanned)
}

// handleUnbanDevice returns a banned device to offline; it comes back online
// on its next accepted heartbeat.
func (s *Server) handleUnbanDevice(c *gin.Context) {
	s.setDeviceStatus(c, DeviceOffline)
}

func (s *Server) setDeviceStatus(c *gin.Context, status string) {
	res := s.db.Model(&Device{}).Where("id = ?", c.Param("id")).Update("status", status)
	if res.Error != nil {
		respondError(c, http.StatusInternalServerError, errInternal, s.logger)
		return
	}
	if res.RowsAffected == 0 {
		respondError(c, http.StatusNotFound, errNotFound, s.logger)
		return
	}
	reqLog := requestLogger(c, s.logger)
	reqLog.Info().
		Str("device_id", c.Param("id")).
		Str("status", status).
		Msg("device status changed by operator")
	c.Status(http.StatusNoContent)
}

func (s *Server) handleFlagRotation(c *gin.Context) {
	s.setRotationFlag(c, true)
}

func (s *Server) handleClearRotation(c *gin.Context) {
	s.setRotationFlag(c, false)
}

func (s *Server) setRotationFlag(c *gin.Context, required bool) {
	res := s.db.Model(&Device{}).Where("id = ?", c.Param("id")).Update("requires_rotation", required)
	if res.Error != nil {
		respondError(c, http.StatusInternalServerError, errInternal, s.logger)
		return
	}
	if res.RowsAffected == 0 {
		respondError(c, http.StatusNotFound, errNotFound, s.logger)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleQueueCommand(c *gin.Context) {
	var req struct {
		Name    string          `json:"name"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, errBadRequest, s.logger)
		return
	}
	switch req.Name {
	case "emergency_wipe", "restart", "update_config":
	default:
		respondError(c, http.StatusBadRequest, errBadRequest, s.logger)
		return
	}

	deviceID := c.Param("id")
	var count int64
	if err := s.db.Model(&Device{}).Where("id = ?", deviceID).Count(&count).Error; err != nil || count == 0 {
		respondError(c, http.StatusNotFound, errNotFound, s.logger)
		return
	}

	cmd := DeviceCommand{
		DeviceID: deviceID,
		Name:     req.Name,
		Payload:  string(req.Payload),
	}
	if err := s.db.Create(&cmd).Error; err != nil {
		respondError(c, http.StatusInternalServerError, errInternal, s.logger)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": cmd.ID, "name": cmd.Name})
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req struct {
		AgentType string          `json:"agent_type"`
		Payload   json.RawMessage `json:"payload"`
		Priority  int             `json:"priority"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.AgentType == "" {
		respondError(c, http.StatusBadRequest, errBadRequest, s.logger)
		return
	}

	task, err := s.queue.Enqueue(req.AgentType, string(req.Payload), req.Priority)
	if err != nil {
		respondError(c, http.StatusInternalServerError, errInternal, s.logger)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         task.ID,
		"agent_type": task.AgentType,
		"priority":   task.Priority,
		"status":     task.Status,
	})
}

func (s *Server) handleAdminListTasks(c *gin.Context) {
	query := s.db.Order("created_at desc").Limit(200)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if deviceID := c.Query("device_id"); deviceID != "" {
		query = query.Where("device_id = ?", deviceID)
	}

	var tasks []Task
	if err := query.Find(&tasks).Error; err != nil {
		respondError(c, http.StatusInternalServerError, errInternal, s.logger)
		return
	}

	resp := make([]gin.H, 0, len(tasks))
	for _, t := range tasks {
		resp = append(resp, gin.H{
			"id":         t.ID,
			"agent_type": t.AgentType,
			"priority":   t.Priority,
			"status":     t.Status,
			"device_id":  t.DeviceID,
			"attempts":   t.Attempts,
			"created_at": t.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// handleStats reports fleet and queue occupancy for operator tooling.
func (s *Server) handleStats(c *gin.Context) {
	type row struct {
		Status string
		N      int64
	}

	countByStatus := func(model any) (map[string]int64, error) {
		var rows []row
		err := s.db.Model(model).Select("status, count(*) as n").Group("status").Scan(&rows).Error
		if err != nil {
			return nil, err
		}
		out := make(map[string]int64, len(rows))
		for _, r := range rows {
			out[r.Status] = r.N
		}
		return out, nil
	}

	devices, err := countByStatus(&Device{})
	if err != nil {
		respondError(c, http.StatusInternalServerError, errInternal, s.logger)
		return
	}
	tasks, err := countByStatus(&Task{})
	if err != nil {
		respondError(c, http.StatusInternalServerError, errInternal, s.logger)
		return
	}
	var violations int64
	if err := s.db.Model(&SecurityViolation{}).Count(&violations).Error; err != nil {
		respondError(c, http.StatusInternalServerError, errInternal, s.logger)
		return
	}

	resp := gin.H{
		"devices":    devices,
		"tasks":      tasks,
		"violations": violations,
	}
	if sw, ok := s.rateLimiter.(*ratelimit.SlidingWindow); ok {
		resp["rate_limiter"] = sw.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListViolations(c *gin.Context) {
	violations, err := s.audit.Violations(c.Query("device_id"), 0)
	if err != nil {
		respondError(c, http.StatusInternalServerError, errInternal, s.logger)
		return
	}
	c.JSON(http.StatusOK, violations)
}
