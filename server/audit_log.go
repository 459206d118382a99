package main

import (
	"time"

	"github.com/bindery-labs/bindery/pkg/scoring"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// SecurityAuditLog is the append-only sink for authentication and
// authorization failures. Writes are best-effort: the authorization decision
// has already been made by the time Record runs, so a storage error is logged
// and swallowed rather than surfaced to the caller.
type SecurityAuditLog struct {
	db     *gorm.DB
	policy *scoring.Policy
	logger zerolog.Logger
}

func NewSecurityAuditLog(db *gorm.DB, policy *scoring.Policy, logger zerolog.Logger) *SecurityAuditLog {
	if policy == nil {
		policy = scoring.DefaultPolicy()
	}
	return &SecurityAuditLog{
		db:     db,
		policy: policy,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Record appends a violation and refreshes the device's security score from
// its recent violation history.
func (a *SecurityAuditLog) Record(deviceID, violationType string, severity int, requestData, ipAddress string) {
	violation := SecurityViolation{
		DeviceID:      deviceID,
		ViolationType: violationType,
		Severity:      severity,
		RequestData:   requestData,
		IPAddress:     ipAddress,
	}
	if err := a.db.Create(&violation).Error; err != nil {
		a.logger.Error().Err(err).
			Str("device_id", deviceID).
			Str("violation_type", violationType).
			Msg("failed to persist security violation")
		return
	}

	a.logger.Warn().
		Str("device_id", deviceID).
		Str("violation_type", violationType).
		Int("severity", severity).
		Str("ip", ipAddress).
		Msg("security violation recorded")

	a.refreshScore(deviceID)
}

// refreshScore recomputes the device's score over the scoring window. Score
// maintenance is advisory; failures here never block anything.
func (a *SecurityAuditLog) refreshScore(deviceID string) {
	cutoff := time.Now().UTC().Add(-24 * time.Hour)

	type row struct {
		ViolationType string
		N             int
	}
	var rows []row
	err := a.db.Model(&SecurityViolation{}).
		Select("violation_type, count(*) as n").
		Where("device_id = ? AND created_at > ?", deviceID, cutoff).
		Group("violation_type").
		Scan(&rows).Error
	if err != nil {
		a.logger.Error().Err(err).Str("device_id", deviceID).Msg("failed to aggregate violations")
		return
	}

	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.ViolationType] = r.N
	}

	score := a.policy.Score(counts)
	if err := a.db.Model(&Device{}).Where("id = ?", deviceID).Update("security_score", score).Error; err != nil {
		a.logger.Error().Err(err).Str("device_id", deviceID).Msg("failed to update security score")
	}
}

// Violations lists recorded violations, newest first.
func (a *SecurityAuditLog) Violations(deviceID string, limit int) ([]SecurityViolation, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := a.db.Order("created_at desc").Limit(limit)
	if deviceID != "" {
		query = query.Where("device_id = ?", deviceID)
	}
	var out []SecurityViolation
	if err := query.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
