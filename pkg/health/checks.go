package health

import (
	"fmt"
	"net/http"
	"time"
)

// Status summarizes whether the agent can usefully talk to the orchestrator.
type Status struct {
	ServerReachable bool     `json:"server_reachable"`
	TimeDrift       int      `json:"time_drift_seconds"`
	Healthy         bool     `json:"healthy"`
	Issues          []string `json:"issues,omitempty"`
}

// Check probes the orchestrator's health endpoint and estimates local clock
// drift from its Date header. Drift approaching the signature replay window
// makes every signed request fail, so it is surfaced before the first
// heartbeat rather than discovered as a stream of 401s.
func Check(serverURL string, maxTimeDrift int) *Status {
	status := &Status{Healthy: true, Issues: []string{}}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		status.ServerReachable = false
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("cannot reach server: %v", err))
		return status
	}
	defer resp.Body.Close()

	status.ServerReachable = resp.StatusCode == http.StatusOK
	if !status.ServerReachable {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("server unhealthy: %d", resp.StatusCode))
	}

	if serverDate, err := http.ParseTime(resp.Header.Get("Date")); err == nil {
		drift := int(time.Since(serverDate).Seconds())
		if drift < 0 {
			drift = -drift
		}
		status.TimeDrift = drift
		if maxTimeDrift > 0 && drift > maxTimeDrift {
			status.Healthy = false
			status.Issues = append(status.Issues, fmt.Sprintf("time drift %ds exceeds max %ds", drift, maxTimeDrift))
		}
	}

	return status
}
