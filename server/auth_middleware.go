package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bindery-labs/bindery/pkg/auth"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Authentication headers carried on every signed device call.
const (
	headerDeviceID  = "X-Bindery-Device-ID"
	headerTimestamp = "X-Bindery-Timestamp"
	headerSignature = "X-Bindery-Signature"
)

const deviceContextKey = "device"
const bodyContextKey = "signed_body"

// requireSignedDevice authenticates a device request. Order matters:
// header presence, then the rate limiter (so floods never reach crypto),
// then timestamp freshness, then device lookup, then the constant-time
// signature check over the raw received bytes. Every request is verified
// independently; nothing is cached between calls.
func (s *Server) requireSignedDevice(c *gin.Context) {
	deviceID := c.GetHeader(headerDeviceID)
	timestamp := c.GetHeader(headerTimestamp)
	signature := c.GetHeader(headerSignature)

	if deviceID == "" || timestamp == "" || signature == "" {
		s.auditKnownDevice(c, deviceID, violationHeadersMissing, 3, "missing authentication headers")
		respondError(c, http.StatusUnauthorized, errAuthHeadersMissing, s.logger)
		return
	}

	// The path id must match the authenticated identity; a signature for
	// device A must not authorize operations on device B's resources.
	if pathID := c.Param("id"); pathID != "" && pathID != deviceID {
		respondError(c, http.StatusUnauthorized, errUnauthorized, s.logger)
		return
	}

	if !s.rateLimiter.Allow(deviceID) {
		// Expected backpressure, not an attack signal; no violation row.
		respondError(c, http.StatusTooManyRequests, errTooManyRequests, s.logger)
		return
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		s.auditKnownDevice(c, deviceID, violationTimestampExpired, 4, "unparseable timestamp: "+timestamp)
		respondError(c, http.StatusUnauthorized, errTimestampExpired, s.logger)
		return
	}
	if err := auth.VerifyTimestamp(ts, time.Now(), s.tolerance); err != nil {
		s.auditKnownDevice(c, deviceID, violationTimestampExpired, 5, err.Error())
		respondError(c, http.StatusUnauthorized, errTimestampExpired, s.logger)
		return
	}

	// Verification must run over the exact bytes received, so buffer the
	// body and hand the same slice to the handler.
	body, err := c.GetRawData()
	if err != nil {
		respondError(c, http.StatusBadRequest, errBadRequest, s.logger)
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))

	var device Device
	if err := s.db.First(&device, "id = ?", deviceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Unknown ids get no violation row: logging them would let an
			// attacker inflate the audit table with garbage identities.
			respondError(c, http.StatusUnauthorized, errUnauthorized, s.logger)
		} else {
			respondError(c, http.StatusInternalServerError, errInternal, s.logger)
		}
		return
	}

	if device.Status == DeviceBanned {
		s.audit.Record(device.ID, violationBannedDevice, 9, "banned device presented request", c.ClientIP())
		respondError(c, http.StatusUnauthorized, errUnauthorized, s.logger)
		return
	}

	expected, ok := auth.VerifySignature(device.Secret, body, ts, signature)
	if !ok && s.acceptPreviousSecret(&device) {
		_, ok = auth.VerifySignature(device.PreviousSecret, body, ts, signature)
	}
	if !ok {
		forensic, _ := json.Marshal(map[string]string{
			"expected_signature": expected,
			"received_signature": signature,
			"timestamp":          timestamp,
		})
		s.audit.Record(device.ID, violationInvalidSignature, 8, string(forensic), c.ClientIP())
		respondError(c, http.StatusUnauthorized, errUnauthorized, s.logger)
		return
	}

	c.Set(deviceContextKey, &device)
	c.Set(bodyContextKey, body)
	c.Next()
}

// acceptPreviousSecret reports whether the device's pre-rotation secret is
// still inside its grace window.
func (s *Server) acceptPreviousSecret(device *Device) bool {
	if device.PreviousSecret == "" || device.RotatedAt == nil || s.rotationGrace <= 0 {
		return false
	}
	return time.Since(*device.RotatedAt) < s.rotationGrace
}

// auditKnownDevice records a violation only when the claimed identity maps to
// a real device, keeping enumeration noise out of the audit table.
func (s *Server) auditKnownDevice(c *gin.Context, deviceID, violationType string, severity int, detail string) {
	if deviceID == "" {
		return
	}
	var count int64
	if err := s.db.Model(&Device{}).Where("id = ?", deviceID).Count(&count).Error; err != nil || count == 0 {
		return
	}
	s.audit.Record(deviceID, violationType, severity, detail, c.ClientIP())
}

func contextDevice(c *gin.Context) *Device {
	return c.MustGet(deviceContextKey).(*Device)
}

func contextBody(c *gin.Context) []byte {
	return c.MustGet(bodyContextKey).([]byte)
}
