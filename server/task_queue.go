package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"gorm.io/gorm"
)

// TaskQueue owns the task table and its state machine:
// pending → assigned → running → {completed, failed}. All transitions out of
// pending or into a terminal state are conditional writes, so two heartbeats
// racing for the same row cannot both win.
type TaskQueue struct {
	db *gorm.DB
}

func NewTaskQueue(db *gorm.DB) *TaskQueue {
	return &TaskQueue{db: db}
}

// ErrTaskNotFound is returned by Report for unknown task ids. Callers treat
// it as an idempotent no-op, not a failure.
var ErrTaskNotFound = errors.New("task not found")

// ErrTaskTerminal is returned by Report when the task already reached a
// terminal state. Duplicate reports from at-least-once device networks land
// here and are acknowledged without mutating the row.
var ErrTaskTerminal = errors.New("task already terminal")

// ErrInvalidStatus is returned by Report for statuses a device may not set.
var ErrInvalidStatus = errors.New("invalid reported status")

// Enqueue creates a pending task.
func (q *TaskQueue) Enqueue(agentType, payload string, priority int) (*Task, error) {
	task := &Task{
		ID:        xid.New().String(),
		AgentType: agentType,
		Payload:   payload,
		Priority:  priority,
		Status:    TaskPending,
	}
	if err := q.db.Create(task).Error; err != nil {
		return nil, fmt.Errorf("enqueue task: %w", err)
	}
	return task, nil
}

// ClaimBatch atomically assigns up to limit pending tasks to a device,
// ordered by priority (high first) then age. The select and the status flip
// run in one transaction, and each row is claimed with a conditional update
// so a row that another transaction grabbed in between is simply skipped.
func (q *TaskQueue) ClaimBatch(deviceID string, limit int) ([]Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	var claimed []Task

	err := q.db.Transaction(func(tx *gorm.DB) error {
		var candidates []Task
		if err := tx.
			Where("status = ?", TaskPending).
			Order("priority desc, created_at asc").
			Limit(limit).
			Find(&candidates).Error; err != nil {
			return err
		}

		for _, task := range candidates {
			res := tx.Model(&Task{}).
				Where("id = ? AND status = ?", task.ID, TaskPending).
				Updates(map[string]any{
					"status":      TaskAssigned,
					"device_id":   deviceID,
					"assigned_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			task.Status = TaskAssigned
			task.DeviceID = deviceID
			task.AssignedAt = &now
			claimed = append(claimed, task)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim batch for %s: %w", deviceID, err)
	}
	return claimed, nil
}

// Report applies a device-reported status transition. Running marks liveness
// of a specific task; completed and failed finalize it, incrementing attempts
// and persisting the opaque result. Reports against unknown or terminal
// tasks return the sentinel errors above and leave the table untouched.
func (q *TaskQueue) Report(taskID, deviceID, status, result, errMsg string) error {
	switch status {
	case TaskRunning, TaskCompleted, TaskFailed:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	var task Task
	if err := q.db.First(&task, "id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTaskNotFound
		}
		return err
	}
	if task.Status == TaskCompleted || task.Status == TaskFailed {
		return ErrTaskTerminal
	}

	if status == TaskRunning {
		res := q.db.Model(&Task{}).
			Where("id = ? AND device_id = ? AND status IN ?", taskID, deviceID, []string{TaskAssigned, TaskRunning}).
			Update("status", TaskRunning)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrTaskTerminal
		}
		return nil
	}

	now := time.Now().UTC()
	res := q.db.Model(&Task{}).
		Where("id = ? AND device_id = ? AND status IN ?", taskID, deviceID, []string{TaskAssigned, TaskRunning}).
		Updates(map[string]any{
			"status":       status,
			"result":       result,
			"error":        errMsg,
			"attempts":     gorm.Expr("attempts + 1"),
			"completed_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Lost a race with another finalizer; treat as duplicate.
		return ErrTaskTerminal
	}
	return nil
}

// RequeueStale returns assigned tasks older than the deadline to pending,
// incrementing attempts, and fails those already at the attempt cap. Both
// writes run in one transaction. Returns (requeued, failed) row counts.
func (q *TaskQueue) RequeueStale(deadline time.Time, maxAttempts int) (int64, int64, error) {
	var requeued, failed int64
	err := q.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Task{}).
			Where("status = ? AND assigned_at < ? AND attempts >= ?", TaskAssigned, deadline, maxAttempts-1).
			Updates(map[string]any{
				"status":   TaskFailed,
				"error":    "abandoned: device never reported",
				"attempts": gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		failed = res.RowsAffected

		res = tx.Model(&Task{}).
			Where("status = ? AND assigned_at < ?", TaskAssigned, deadline).
			Updates(map[string]any{
				"status":      TaskPending,
				"device_id":   "",
				"assigned_at": nil,
				"attempts":    gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		requeued = res.RowsAffected
		return nil
	})
	return requeued, failed, err
}

// TasksForDevice lists tasks assigned to a device, optionally filtered by
// status, newest first.
func (q *TaskQueue) TasksForDevice(deviceID, status string, limit int) ([]Task, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := q.db.Where("device_id = ?", deviceID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var tasks []Task
	if err := query.Order("created_at desc").Limit(limit).Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}
