package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bindery-labs/bindery/pkg/auth"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var errTokenNotRedeemable = errors.New("deployment token not redeemable")

// handleRegister redeems a deployment token and mints device credentials.
// Redemption is a single conditional update that also increments the use
// counter, so concurrent registrations against a max_uses=1 token can only
// ever produce one device. Token redemption and device creation share a
// transaction; a failed insert rolls the counter back.
func (s *Server) handleRegister(c *gin.Context) {
	var req auth.RegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, errBadRequest, s.logger)
		return
	}
	if req.DeploymentToken == "" || req.DeviceInfo.Name == "" {
		respondError(c, http.StatusBadRequest, errBadRequest, s.logger)
		return
	}

	now := time.Now().UTC()
	hash := s.tokenHasher.Hash(req.DeploymentToken)

	var device Device
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&DeploymentToken{}).
			Where("token_hash = ? AND is_active = ? AND current_uses < max_uses AND (expires_at IS NULL OR expires_at > ?)",
				hash, true, now).
			UpdateColumn("current_uses", gorm.Expr("current_uses + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errTokenNotRedeemable
		}

		id, err := auth.GenerateSecret()
		if err != nil {
			return err
		}
		secret, err := auth.GenerateSecret()
		if err != nil {
			return err
		}

		device = Device{
			ID:            id,
			Name:          req.DeviceInfo.Name,
			Department:    req.DeviceInfo.Department,
			Secret:        secret,
			Status:        DeviceOffline,
			SecurityScore: 100,
		}
		return tx.Create(&device).Error
	})
	if err != nil {
		if errors.Is(err, errTokenNotRedeemable) {
			respondError(c, http.StatusUnauthorized, errTokenInvalid, s.logger)
			return
		}
		reqLog := requestLogger(c, s.logger)
		reqLog.Error().Err(err).Msg("registration failed")
		respondError(c, http.StatusInternalServerError, errInternal, s.logger)
		return
	}

	reqLog := requestLogger(c, s.logger)
	reqLog.Info().
		Str("device_id", device.ID).
		Str("name", device.Name).
		Str("department", device.Department).
		Msg("device registered")

	// The only moment the secret ever leaves the server in cleartext.
	c.JSON(http.StatusCreated, auth.RegistrationResponse{
		DeviceID:    device.ID,
		DeviceToken: device.Secret,
	})
}

func (s *Server) handleIssueToken(c *gin.Context) {
	var req struct {
		Label            string `json:"label"`
		MaxUses          int    `json:"max_uses"`
		ExpiresInSeconds int64  `json:"expires_in_seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, errBadRequest, s.logger)
		return
	}
	if req.MaxUses <= 0 {
		req.MaxUses = 1
	}

	raw, err := auth.GenerateSecret()
	if err != nil {
		respondError(c, http.StatusInternalServerError, errInternal, s.logger)
		return
	}

	var expiresAt *time.Time
	if req.ExpiresInSeconds > 0 {
		t := time.Now().UTC().Add(time.Duration(req.ExpiresInSeconds) * time.Second)
		expiresAt = &t
	}

	record := DeploymentToken{
		Label:     req.Label,
		TokenHash: s.tokenHasher.Hash(raw),
		MaxUses:   req.MaxUses,
		ExpiresAt: expiresAt,
		IsActive:  true,
	}
	if err := s.db.Create(&record).Error; err != nil {
		respondError(c, http.StatusInternalServerError, errInternal, s.logger)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":         record.ID,
		"token":      raw,
		"label":      record.Label,
		"max_uses":   record.MaxUses,
		"expires_at": record.ExpiresAt,
	})
}

func (s *Server) handleListTokens(c *gin.Context) {
	var tokens []DeploymentToken
	if err := s.db.Order("created_at desc").Find(&tokens).Error; err != nil {
		respondError(c, http.StatusInternalServerError, errInternal, s.logger)
		return
	}

	resp := make([]gin.H, 0, len(tokens))
	for _, t := range tokens {
		resp = append(resp, gin.H{
			"id":           t.ID,
			"label":        t.Label,
			"max_uses":     t.MaxUses,
			"current_uses": t.CurrentUses,
			"expires_at":   t.ExpiresAt,
			"is_active":    t.IsActive,
			"created_at":   t.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// handleDeactivateToken disables a token. Tokens are never deleted; the row
// stays for audit history.
func (s *Server) handleDeactivateToken(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		respondError(c, http.StatusBadRequest, errBadRequest, s.logger)
		return
	}

	res := s.db.Model(&DeploymentToken{}).Where("id = ?", uint(id)).Update("is_active", false)
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
