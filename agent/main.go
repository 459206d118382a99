package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bindery-labs/bindery/pkg/auth"
	"github.com/bindery-labs/bindery/pkg/config"
	"github.com/bindery-labs/bindery/pkg/health"
	"github.com/bindery-labs/bindery/pkg/sysinfo"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	configPath      = flag.String("config", "/etc/bindery/agent.yaml", "Config file path")
	serverURL       = flag.String("server", "", "Orchestrator URL (overrides config)")
	interval        = flag.Duration("interval", 0, "Heartbeat interval (overrides config)")
	deploymentToken = flag.String("register", "", "One-time deployment token")
	Version         = "dev"
)

// Agent is the device-side process: it registers once, then heartbeats,
// executes assigned tasks through configured executors, and reports results.
type Agent struct {
	config  *config.AgentConfig
	client  *http.Client
	runner  *Runner
	retrier *retrier

	// credsMu guards creds: rotation swaps the pair while task goroutines
	// are still signing reports with it.
	credsMu sync.Mutex
	creds   *auth.Credentials
}

// credentials returns the current credential snapshot. Callers must not hold
// onto it across a rotation boundary; take a fresh snapshot per request.
func (a *Agent) credentials() *auth.Credentials {
	a.credsMu.Lock()
	defer a.credsMu.Unlock()
	return a.creds
}

func (a *Agent) setCredentials(creds *auth.Credentials) {
	a.credsMu.Lock()
	a.creds = creds
	a.credsMu.Unlock()
}

func main() {
	flag.Parse()

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *interval > 0 {
		cfg.Heartbeat.IntervalS = int(interval.Seconds())
	}
	if *deploymentToken != "" {
		cfg.Server.DeploymentToken = *deploymentToken
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	configureLogger(cfg.Logging)
	log.Info().Str("version", Version).Msg("bindery agent starting")

	agent := &Agent{
		config: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.Server.RequestTimeoutS) * time.Second,
		},
		runner: NewRunner(cfg.Executors),
		retrier: newRetrier(
			cfg.Server.RetryInitialMs,
			cfg.Server.RetryMaxMs,
			cfg.Server.RetryMaxAttempts,
		),
	}

	if err := agent.loadOrRegister(); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize credentials")
	}
	log.Info().Str("device_id", agent.credentials().DeviceID).Msg("agent initialized")

	status := health.Check(cfg.Server.URL, cfg.Health.TimeDriftMaxS)
	if !status.Healthy {
		log.Warn().Interface("issues", status.Issues).Msg("health check reported issues")
	}

	agent.heartbeat()

	jitter := time.Duration(cfg.Heartbeat.JitterS) * time.Second
	ticker := time.NewTicker(time.Duration(cfg.Heartbeat.IntervalS) * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if jitter > 0 {
			time.Sleep(time.Duration(rand.Int63n(int64(jitter))))
		}
		agent.heartbeat()
	}
}

func configureLogger(cfg config.LoggingConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && cfg.Level != "" {
		level = parsed
	}
	if cfg.JSON {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	} else {
		writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(writer).With().Timestamp().Logger().Level(level)
	}
	zerolog.SetGlobalLevel(level)
}

func (a *Agent) loadOrRegister() error {
	creds, err := auth.LoadCredentials(a.config.Auth.CredentialsPath)
	if err == nil {
		a.setCredentials(creds)
		log.Info().Str("device_id", creds.DeviceID).Msg("loaded existing credentials")
		return nil
	}

	token := a.config.Server.DeploymentToken
	if token == "" && a.config.Server.DeploymentTokenFile != "" {
		data, err := os.ReadFile(a.config.Server.DeploymentTokenFile)
		if err != nil {
			return fmt.Errorf("read deployment token file: %w", err)
		}
		token = strings.TrimSpace(string(data))
	}
	if token == "" {
		return fmt.Errorf("no existing credentials and no deployment token provided")
	}

	log.Info().Msg("registering new device")
	return a.register(token)
}

func (a *Agent) register(token string) error {
	hostname, _ := os.Hostname()
	req := auth.RegistrationRequest{
		DeploymentToken: token,
		DeviceInfo: auth.DeviceInfo{
			Name:       hostname,
			Department: os.Getenv("BINDERY_DEPARTMENT"),
			OSInfo:     runtime.GOOS + "/" + runtime.GOARCH,
		},
	}

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	resp, err := a.client.Post(a.endpoint("/devices/register"), "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("registration failed: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var regResp auth.RegistrationResponse
	if err := json.NewDecoder(resp.Body).Decode(&regResp); err != nil {
		return err
	}

	creds := &auth.Credentials{
		DeviceID:    regResp.DeviceID,
		DeviceToken: regResp.DeviceToken,
	}
	if err := creds.Save(a.config.Auth.CredentialsPath); err != nil {
		return err
	}

	a.setCredentials(creds)
	log.Info().Str("device_id", creds.DeviceID).Msg("registration successful")
	return nil
}

type heartbeatResponse struct {
	PendingTasks []assignedTask `json:"pending_tasks"`
	Commands     struct {
		EmergencyWipe bool            `json:"emergency_wipe"`
		Restart       bool            `json:"restart"`
		UpdateConfig  json.RawMessage `json:"update_config"`
	} `json:"commands"`
	RequiresRotation bool `json:"requires_rotation"`
}

type assignedTask struct {
	ID        string          `json:"id"`
	AgentType string          `json:"agent_type"`
	Payload   json.RawMessage `json:"payload"`
	Priority  int             `json:"priority"`
}

func (a *Agent) heartbeat() {
	body, err := json.Marshal(map[string]any{
		"status":      "online",
		"system_info": sysinfo.Collect(),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to build heartbeat")
		return
	}

	req, err := a.newSignedRequest(http.MethodPost, "/heartbeat", body)
	if err != nil {
		log.Error().Err(err).Msg("failed to build heartbeat request")
		return
	}

	resp, err := a.client.Do(req)
	if err != nil {
		log.Error().Err(err).Msg("heartbeat failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Error().Int("status", resp.StatusCode).Msg("heartbeat rejected")
		return
	}

	var hb heartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&hb); err != nil {
		log.Error().Err(err).Msg("failed to decode heartbeat response")
		return
	}

	a.handleCommands(&hb)

	for _, task := range hb.PendingTasks {
		go a.execute(task)
	}
}

func (a *Agent) handleCommands(hb *heartbeatResponse) {
	if hb.Commands.EmergencyWipe {
		log.Warn().Msg("emergency wipe commanded; removing credentials and exiting")
		_ = os.Remove(a.config.Auth.CredentialsPath)
		os.Exit(1)
	}
	if hb.Commands.Restart {
		log.Warn().Msg("restart commanded; exiting for supervisor restart")
		os.Exit(0)
	}
	if len(hb.Commands.UpdateConfig) > 0 {
		log.Info().RawJSON("config", hb.Commands.UpdateConfig).Msg("config update received")
	}
	if hb.RequiresRotation {
		if err := a.rotateSecret(); err != nil {
			log.Warn().Err(err).Msg("secret rotation failed")
		}
	}
}

func (a *Agent) execute(task assignedTask) {
	log.Info().Str("task_id", task.ID).Str("agent_type", task.AgentType).Msg("executing task")
	a.report(task.ID, "running", nil, "")

	result, err := a.runner.Run(task.AgentType, task.Payload)
	if err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("task failed")
		a.report(task.ID, "failed", nil, err.Error())
		return
	}

	log.Info().Str("task_id", task.ID).Msg("task completed")
	a.report(task.ID, "completed", result, "")
}

func (a *Agent) report(taskID, status string, result []byte, errMsg string) {
	payload := map[string]any{
		"task_id": taskID,
		"status":  status,
		"error":   errMsg,
	}
	if len(result) > 0 {
		// Executor stdout is usually JSON; anything else is reported as a
		// JSON string so the payload still encodes.
		if json.Valid(result) {
			payload["result"] = json.RawMessage(result)
		} else {
			payload["result"] = string(result)
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("failed to build report")
		return
	}

	err = a.retrier.do(func() error {
		// A fresh snapshot per attempt: a retry that straddles a rotation
		// must sign with the post-rotation secret.
		req, err := a.newSignedRequest(http.MethodPost, "/report", body)
		if err != nil {
			return err
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("report rejected: %d", resp.StatusCode)
		}
		return nil
	}, retryableNetworkError)
	if err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("report abandoned after retries")
	}
}

func (a *Agent) rotateSecret() error {
	req, err := a.newSignedRequest(http.MethodPost, "/rotate", []byte("{}"))
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusOK:
	default:
		return fmt.Errorf("rotation request failed: %d", resp.StatusCode)
	}

	var rotated struct {
		DeviceToken string `json:"device_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rotated); err != nil {
		return err
	}
	if rotated.DeviceToken == "" {
		return fmt.Errorf("rotation response missing token")
	}

	creds := &auth.Credentials{DeviceID: a.credentials().DeviceID, DeviceToken: rotated.DeviceToken}
	if err := creds.Save(a.config.Auth.CredentialsPath); err != nil {
		return err
	}
	a.setCredentials(creds)
	log.Info().Msg("device secret rotated")
	return nil
}

// newSignedRequest signs the exact body bytes being sent; the server
// verifies over the same bytes it receives. The device path, identity header,
// and signature all come from one credential snapshot, so a rotation landing
// mid-build cannot mix old and new identities in a single request.
func (a *Agent) newSignedRequest(method, action string, body []byte) (*http.Request, error) {
	payload := body
	if payload == nil {
		payload = []byte("{}")
	}
	creds := a.credentials()
	signed := auth.CreateSignedRequest(creds, payload)
	req, err := http.NewRequest(method, a.endpoint("/devices/"+creds.DeviceID+action), bytes.NewReader(signed.Body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bindery-Device-ID", creds.DeviceID)
	req.Header.Set("X-Bindery-Timestamp", strconv.FormatInt(signed.Timestamp, 10))
	req.Header.Set("X-Bindery-Signature", signed.Signature)
	return req, nil
}

func (a *Agent) endpoint(path string) string {
	return strings.TrimRight(a.config.Server.URL, "/") + path
}
