package main

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnqueueCreatesPendingTask(t *testing.T) {
	env := newTestEnv(t)

	task, err := env.server.queue.Enqueue("book_analysis", `{"book_id":"b9"}`, 3)
	require.NoError(t, err)
	require.NotEmpty(t, task.ID)
	require.Equal(t, TaskPending, task.Status)

	var stored Task
	require.NoError(t, env.server.db.First(&stored, "id = ?", task.ID).Error)
	require.Equal(t, 3, stored.Priority)
	require.Empty(t, stored.DeviceID)
}

func TestClaimBatchRespectsLimitAndOrder(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "a", 0)
	env.createTask(t, "b", 5)
	env.createTask(t, "c", 5)
	env.createTask(t, "d", 1)

	claimed, err := env.server.queue.ClaimBatch("dev-1", 3)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	require.Equal(t, "b", claimed[0].ID)
	require.Equal(t, "c", claimed[1].ID)
	require.Equal(t, "d", claimed[2].ID)

	var leftover Task
	require.NoError(t, env.server.db.First(&leftover, "id = ?", "a").Error)
	require.Equal(t, TaskPending, leftover.Status)
}

func TestClaimBatchZeroLimitClaimsNothing(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "a", 0)

	claimed, err := env.server.queue.ClaimBatch("dev-1", 0)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestClaimBatchSkipsAlreadyClaimedRows(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "a", 0)

	first, err := env.server.queue.ClaimBatch("dev-1", 5)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := env.server.queue.ClaimBatch("dev-2", 5)
	require.NoError(t, err)
	require.Empty(t, second)
}

func TestReportTransitionsAndAttempts(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "a", 0)
	_, err := env.server.queue.ClaimBatch("dev-1", 1)
	require.NoError(t, err)

	require.NoError(t, env.server.queue.Report("a", "dev-1", TaskRunning, "", ""))
	var task Task
	require.NoError(t, env.server.db.First(&task, "id = ?", "a").Error)
	require.Equal(t, TaskRunning, task.Status)
	require.Zero(t, task.Attempts)

	require.NoError(t, env.server.queue.Report("a", "dev-1", TaskCompleted, `{"ok":true}`, ""))
	require.NoError(t, env.server.db.First(&task, "id = ?", "a").Error)
	require.Equal(t, TaskCompleted, task.Status)
	require.Equal(t, 1, task.Attempts)
	require.NotNil(t, task.CompletedAt)
}

func TestReportFailureRecordsError(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "a", 0)
	_, err := env.server.queue.ClaimBatch("dev-1", 1)
	require.NoError(t, err)

	require.NoError(t, env.server.queue.Report("a", "dev-1", TaskFailed, "", "ocr crashed"))

	var task Task
	require.NoError(t, env.server.db.First(&task, "id = ?", "a").Error)
	require.Equal(t, TaskFailed, task.Status)
	require.Equal(t, "ocr crashed", task.Error)
}

func TestReportSentinels(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "a", 0)
	_, err := env.server.queue.ClaimBatch("dev-1", 1)
	require.NoError(t, err)
	require.NoError(t, env.server.queue.Report("a", "dev-1", TaskCompleted, "{}", ""))

	require.ErrorIs(t, env.server.queue.Report("a", "dev-1", TaskCompleted, "{}", ""), ErrTaskTerminal)
	require.ErrorIs(t, env.server.queue.Report("missing", "dev-1", TaskCompleted, "{}", ""), ErrTaskNotFound)
	require.ErrorIs(t, env.server.queue.Report("a", "dev-1", "pending", "", ""), ErrInvalidStatus)
}

func TestReportWrongDeviceDoesNotFinalize(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "a", 0)
	_, err := env.server.queue.ClaimBatch("dev-1", 1)
	require.NoError(t, err)

	require.ErrorIs(t, env.server.queue.Report("a", "dev-2", TaskCompleted, "{}", ""), ErrTaskTerminal)

	var task Task
	require.NoError(t, env.server.db.First(&task, "id = ?", "a").Error)
	require.Equal(t, TaskAssigned, task.Status)
}

func TestRequeueStaleSplitsRequeueAndFail(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.createTask(t, fmt.Sprintf("t%d", i), 0)
	}
	_, err := env.server.queue.ClaimBatch("dev-1", 3)
	require.NoError(t, err)

	// t2 is on its last allowed attempt; the sweep must fail it instead of
	// requeueing forever.
	require.NoError(t, env.server.db.Model(&Task{}).Where("id = ?", "t2").Update("attempts", 2).Error)

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, env.server.db.Model(&Task{}).Where("status = ?", TaskAssigned).Update("assigned_at", past).Error)

	requeued, failed, err := env.server.queue.RequeueStale(time.Now().UTC().Add(-30*time.Minute), 3)
	require.NoError(t, err)
	require.EqualValues(t, 2, requeued)
	require.EqualValues(t, 1, failed)

	var task Task
	require.NoError(t, env.server.db.First(&task, "id = ?", "t0").Error)
	require.Equal(t, TaskPending, task.Status)
	require.Empty(t, task.DeviceID)
	require.Nil(t, task.AssignedAt)
	require.Equal(t, 1, task.Attempts)

	task = Task{}
	require.NoError(t, env.server.db.First(&task, "id = ?", "t2").Error)
	require.Equal(t, TaskFailed, task.Status)
	require.Equal(t, 3, task.Attempts)
}

func TestRequeueStaleIgnoresFreshAssignments(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "fresh", 0)
	_, err := env.server.queue.ClaimBatch("dev-1", 1)
	require.NoError(t, err)

	requeued, failed, err := env.server.queue.RequeueStale(time.Now().UTC().Add(-time.Minute), 3)
	require.NoError(t, err)
	require.Zero(t, requeued)
	require.Zero(t, failed)
}

func TestRequeuedTaskClaimableAgain(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "a", 0)
	_, err := env.server.queue.ClaimBatch("dev-1", 1)
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, env.server.db.Model(&Task{}).Where("id = ?", "a").Update("assigned_at", past).Error)
	_, _, err = env.server.queue.RequeueStale(time.Now().UTC().Add(-time.Minute), 5)
	require.NoError(t, err)

	claimed, err := env.server.queue.ClaimBatch("dev-2", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "dev-2", claimed[0].DeviceID)
}
