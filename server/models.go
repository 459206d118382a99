package main

import "time"

// Device lifecycle statuses. A banned device is permanently excluded from
// authentication regardless of valid signatures.
const (
	DeviceOnline      = "online"
	DeviceOffline     = "offline"
	DeviceMaintenance = "maintenance"
	DeviceBanned      = "banned"
)

// Task statuses. Completed and failed are terminal.
const (
	TaskPending   = "pending"
	TaskAssigned  = "assigned"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// Device is the orchestrator's identity record for one remote agent. Secret
// is the device's HMAC key; it is generated at registration, returned once,
// and never exposed by any read API.
type Device struct {
	ID               string `gorm:"primaryKey"`
	Name             string
	Department       string `gorm:"index"`
	Secret           string
	PreviousSecret   string
	RotatedAt        *time.Time
	Status           string `gorm:"index"`
	SecurityScore    int
	LastHeartbeat    time.Time
	SystemInfoRaw    string `gorm:"type:text"`
	RequiresRotation bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Task is a unit of asynchronous work. Payload and Result are opaque JSON
// interpreted by the executing collaborator, never by this subsystem.
type Task struct {
	ID          string `gorm:"primaryKey"`
	AgentType   string `gorm:"index"`
	Payload     string `gorm:"type:text"`
	Priority    int    `gorm:"index"`
	Status      string `gorm:"index"`
	DeviceID    string `gorm:"index"`
	Attempts    int
	Result      string `gorm:"type:text"`
	Error       string
	AssignedAt  *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time
}

// DeploymentToken is a use-capped bootstrap credential, stored hashed.
// Tokens are never deleted, only deactivated.
type DeploymentToken struct {
	ID          uint `gorm:"primaryKey"`
	Label       string
	TokenHash   TokenHash `gorm:"uniqueIndex"`
	MaxUses     int
	CurrentUses int
	ExpiresAt   *time.Time
	IsActive    bool
	CreatedAt   time.Time
}

// SecurityViolation is an append-only audit record of a failed
// authentication or authorization attempt.
type SecurityViolation struct {
	ID            uint   `gorm:"primaryKey"`
	DeviceID      string `gorm:"index"`
	ViolationType string `gorm:"index"`
	Severity      int
	RequestData   string `gorm:"type:text"`
	IPAddress     string
	CreatedAt     time.Time `gorm:"index"`
}

// DeviceCommand is an out-of-band instruction drained by the device's next
// heartbeat.
type DeviceCommand struct {
	ID          uint   `gorm:"primaryKey"`
	DeviceID    string `gorm:"index"`
	Name        string
	Payload     string `gorm:"type:text"`
	DeliveredAt *time.Time
	CreatedAt   time.Time
}

func allModels() []any {
	return []any{
		&Device{},
		&Task{},
		&DeploymentToken{},
		&SecurityViolation{},
		&DeviceCommand{},
	}
}
