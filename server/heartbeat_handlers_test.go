package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeartbeatAssignsPendingTask(t *testing.T) {
	env := newTestEnv(t)
	creds := env.createDevice(t, DeviceOnline)
	env.createTask(t, "t1", 1)

	resp := env.do(signedRequest(t, creds, http.MethodPost, heartbeatPath(creds), []byte(`{"status":"online"}`)))
	require.Equal(t, http.StatusOK, resp.Code)

	hb := decodeJSON[heartbeatResponse](t, resp)
	require.Len(t, hb.PendingTasks, 1)
	require.Equal(t, "t1", hb.PendingTasks[0].ID)

	var task Task
	require.NoError(t, env.server.db.First(&task, "id = ?", "t1").Error)
	require.Equal(t, TaskAssigned, task.Status)
	require.Equal(t, creds.DeviceID, task.DeviceID)

	// A second device heartbeating right after gets nothing.
	other := env.createDevice(t, DeviceOnline)
	resp = env.do(signedRequest(t, other, http.MethodPost, heartbeatPath(other), []byte(`{"status":"online"}`)))
	require.Equal(t, http.StatusOK, resp.Code)
	require.Empty(t, decodeJSON[heartbeatResponse](t, resp).PendingTasks)
}

func TestHeartbeatOrdersByPriorityThenAge(t *testing.T) {
	env := newTestEnv(t)
	creds := env.createDevice(t, DeviceOnline)

	env.createTask(t, "low-old", 1)
	env.createTask(t, "high", 9)
	env.createTask(t, "low-new", 1)

	resp := env.do(signedRequest(t, creds, http.MethodPost, heartbeatPath(creds), []byte(`{"status":"online"}`)))
	hb := decodeJSON[heartbeatResponse](t, resp)
	require.Len(t, hb.PendingTasks, 3)
	require.Equal(t, "high", hb.PendingTasks[0].ID)
	require.Equal(t, "low-old", hb.PendingTasks[1].ID)
	require.Equal(t, "low-new", hb.PendingTasks[2].ID)
}

func TestHeartbeatBatchSizeCapsAssignment(t *testing.T) {
	env := newTestEnv(t)
	env.server.batchSize = 2
	creds := env.createDevice(t, DeviceOnline)
	for i := 0; i < 5; i++ {
		env.createTask(t, fmt.Sprintf("t%d", i), 0)
	}

	resp := env.do(signedRequest(t, creds, http.MethodPost, heartbeatPath(creds), []byte(`{"status":"online"}`)))
	hb := decodeJSON[heartbeatResponse](t, resp)
	require.Len(t, hb.PendingTasks, 2)

	var pending int64
	require.NoError(t, env.server.db.Model(&Task{}).Where("status = ?", TaskPending).Count(&pending).Error)
	require.EqualValues(t, 3, pending)
}

func TestConcurrentHeartbeatsNeverShareATask(t *testing.T) {
	env := newTestEnv(t)
	const devices = 8
	const tasks = 20

	for i := 0; i < tasks; i++ {
		env.createTask(t, fmt.Sprintf("task-%02d", i), i%3)
	}

	var wg sync.WaitGroup
	assigned := make(chan []string, devices)
	for i := 0; i < devices; i++ {
		creds := env.createDevice(t, DeviceOnline)
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := env.do(signedRequest(t, creds, http.MethodPost, heartbeatPath(creds), []byte(`{"status":"online"}`)))
			if resp.Code != http.StatusOK {
				assigned <- nil
				return
			}
			var hb heartbeatResponse
			if err := json.Unmarshal(resp.Body.Bytes(), &hb); err != nil {
				assigned <- nil
				return
			}
			ids := make([]string, 0, len(hb.PendingTasks))
			for _, task := range hb.PendingTasks {
				ids = append(ids, task.ID)
			}
			assigned <- ids
		}()
	}
	wg.Wait()
	close(assigned)

	seen := map[string]bool{}
	for ids := range assigned {
		for _, id := range ids {
			require.False(t, seen[id], "task %s assigned twice", id)
			seen[id] = true
		}
	}
}

func TestHeartbeatStoresSystemInfo(t *testing.T) {
	env := newTestEnv(t)
	creds := env.createDevice(t, DeviceOnline)

	body := []byte(`{"status":"maintenance","system_info":{"hostname":"shelf-7","num_cpu":8}}`)
	resp := env.do(signedRequest(t, creds, http.MethodPost, heartbeatPath(creds), body))
	require.Equal(t, http.StatusOK, resp.Code)

	var device Device
	require.NoError(t, env.server.db.First(&device, "id = ?", creds.DeviceID).Error)
	require.Equal(t, DeviceMaintenance, device.Status)
	require.Contains(t, device.SystemInfoRaw, "shelf-7")
}

func TestHeartbeatDrainsCommandsOnce(t *testing.T) {
	env := newTestEnv(t)
	creds := env.createDevice(t, DeviceOnline)

	require.NoError(t, env.server.db.Create(&DeviceCommand{
		DeviceID: creds.DeviceID,
		Name:     "restart",
	}).Error)
	require.NoError(t, env.server.db.Create(&DeviceCommand{
		DeviceID: creds.DeviceID,
		Name:     "update_config",
		Payload:  `{"heartbeat_interval_s":30}`,
	}).Error)

	resp := env.do(signedRequest(t, creds, http.MethodPost, heartbeatPath(creds), []byte(`{"status":"online"}`)))
	hb := decodeJSON[heartbeatResponse](t, resp)
	require.True(t, hb.Commands.Restart)
	require.False(t, hb.Commands.EmergencyWipe)
	require.JSONEq(t, `{"heartbeat_interval_s":30}`, string(hb.Commands.UpdateConfig))

	// Commands are delivered at most once.
	resp = env.do(signedRequest(t, creds, http.MethodPost, heartbeatPath(creds), []byte(`{"status":"online"}`)))
	hb = decodeJSON[heartbeatResponse](t, resp)
	require.False(t, hb.Commands.Restart)
	require.Empty(t, hb.Commands.UpdateConfig)
}

func TestListTasksFiltersByStatus(t *testing.T) {
	env := newTestEnv(t)
	creds := env.createDevice(t, DeviceOnline)
	env.createTask(t, "t1", 0)
	env.createTask(t, "t2", 0)

	// Claim both, then complete one.
	env.do(signedRequest(t, creds, http.MethodPost, heartbeatPath(creds), []byte(`{"status":"online"}`)))
	report := []byte(`{"task_id":"t1","status":"completed","result":{"pages":310}}`)
	env.do(signedRequest(t, creds, http.MethodPost, "/devices/"+creds.DeviceID+"/report", report))

	resp := env.do(signedRequest(t, creds, http.MethodGet, "/devices/"+creds.DeviceID+"/tasks?status=assigned", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	tasks := decodeJSON[[]map[string]any](t, resp)
	require.Len(t, tasks, 1)
	require.Equal(t, "t2", tasks[0]["id"])
}

func TestReportCompletesTask(t *testing.T) {
	env := newTestEnv(t)
	creds := env.createDevice(t, DeviceOnline)
	env.createTask(t, "t1", 0)
	env.do(signedRequest(t, creds, http.MethodPost, heartbeatPath(creds), []byte(`{"status":"online"}`)))

	report := []byte(`{"task_id":"t1","status":"completed","result":{"summary":"ok"}}`)
	resp := env.do(signedRequest(t, creds, http.MethodPost, "/devices/"+creds.DeviceID+"/report", report))
	require.Equal(t, http.StatusOK, resp.Code)

	var task Task
	require.NoError(t, env.server.db.First(&task, "id = ?", "t1").Error)
	require.Equal(t, TaskCompleted, task.Status)
	require.Equal(t, 1, task.Attempts)
	require.JSONEq(t, `{"summary":"ok"}`, task.Result)
}

func TestDuplicateCompletionAcknowledgedIdempotently(t *testing.T) {
	env := newTestEnv(t)
	creds := env.createDevice(t, DeviceOnline)
	env.createTask(t, "t1", 0)
	env.do(signedRequest(t, creds, http.MethodPost, heartbeatPath(creds), []byte(`{"status":"online"}`)))

	report := []byte(`{"task_id":"t1","status":"completed","result":{"n":1}}`)
	for i := 0; i < 3; i++ {
		resp := env.do(signedRequest(t, creds, http.MethodPost, "/devices/"+creds.DeviceID+"/report", report))
		require.Equal(t, http.StatusOK, resp.Code)
	}

	var task Task
	require.NoError(t, env.server.db.First(&task, "id = ?", "t1").Error)
	require.Equal(t, TaskCompleted, task.Status)
	require.Equal(t, 1, task.Attempts, "duplicates must not double-count attempts")

	// Duplicates are logged at low severity, never errored.
	var count int64
	require.NoError(t, env.server.db.Model(&SecurityViolation{}).
		Where("violation_type = ?", violationDuplicateReport).Count(&count).Error)
	require.EqualValues(t, 2, count)
}

func TestReportUnknownTaskAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	creds := env.createDevice(t, DeviceOnline)

	report := []byte(`{"task_id":"never-existed","status":"completed"}`)
	resp := env.do(signedRequest(t, creds, http.MethodPost, "/devices/"+creds.DeviceID+"/report", report))
	require.Equal(t, http.StatusOK, resp.Code)
}

func TestReportRunningMarksLiveness(t *testing.T) {
	env := newTestEnv(t)
	creds := env.createDevice(t, DeviceOnline)
	env.createTask(t, "t1", 0)
	env.do(signedRequest(t, creds, http.MethodPost, heartbeatPath(creds), []byte(`{"status":"online"}`)))

	report := []byte(`{"task_id":"t1","status":"running"}`)
	resp := env.do(signedRequest(t, creds, http.MethodPost, "/devices/"+creds.DeviceID+"/report", report))
	require.Equal(t, http.StatusOK, resp.Code)

	var task Task
	require.NoError(t, env.server.db.First(&task, "id = ?", "t1").Error)
	require.Equal(t, TaskRunning, task.Status)
	require.Zero(t, task.Attempts)
}

func TestReportInvalidStatusRejected(t *testing.T) {
	env := newTestEnv(t)
	creds := env.createDevice(t, DeviceOnline)
	env.createTask(t, "t1", 0)
	env.do(signedRequest(t, creds, http.MethodPost, heartbeatPath(creds), []byte(`{"status":"online"}`)))

	report := []byte(`{"task_id":"t1","status":"pending"}`)
	resp := env.do(signedRequest(t, creds, http.MethodPost, "/devices/"+creds.DeviceID+"/report", report))
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestRotateFlowIssuesNewSecret(t *testing.T) {
	env := newTestEnv(t)
	creds := env.createDevice(t, DeviceOnline)

	// Without the flag, rotation is a no-op.
	resp := env.do(signedRequest(t, creds, http.MethodPost, "/devices/"+creds.DeviceID+"/rotate", nil))
	require.Equal(t, http.StatusNoContent, resp.Code)

	// Operator flags rotation.
	flagReq := httptest.NewRequest(http.MethodPost, "/admin/devices/"+creds.DeviceID+"/rotate", nil)
	flagReq.Header.Set("Authorization", "Bearer test-admin-token")
	require.Equal(t, http.StatusNoContent, env.do(flagReq).Code)

	resp = env.do(signedRequest(t, creds, http.MethodPost, "/devices/"+creds.DeviceID+"/rotate", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	rotated := decodeJSON[map[string]any](t, resp)
	newToken, _ := rotated["device_token"].(string)
	require.Len(t, newToken, 64)
	require.NotEqual(t, creds.DeviceToken, newToken)

	// Old secret still works inside the grace window, new secret works too.
	resp = env.do(signedRequest(t, creds, http.MethodPost, heartbeatPath(creds), []byte(`{}`)))
	require.Equal(t, http.StatusOK, resp.Code)

	creds.DeviceToken = newToken
	resp = env.do(signedRequest(t, creds, http.MethodPost, heartbeatPath(creds), []byte(`{}`)))
	require.Equal(t, http.StatusOK, resp.Code)
}
