package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/bindery-labs/bindery/pkg/auth"
	"github.com/bindery-labs/bindery/pkg/ratelimit"
	"github.com/bindery-labs/bindery/pkg/scoring"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testEnv struct {
	server *Server
	gin    *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:bindery-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	// A single connection serializes concurrent transactions; in-memory
	// sqlite otherwise reports spurious lock errors under parallel writers.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(allModels()...))

	logger := zerolog.Nop()
	srv := &Server{
		db:            db,
		queue:         NewTaskQueue(db),
		audit:         NewSecurityAuditLog(db, scoring.DefaultPolicy(), logger),
		rateLimiter:   ratelimit.NewSlidingWindow(1000, time.Minute),
		tokenHasher:   NewTokenHasher([]byte("test-salt")),
		logger:        logger,
		tolerance:     300 * time.Second,
		rotationGrace: 10 * time.Minute,
		adminToken:    "test-admin-token",
		batchSize:     5,
	}

	g := gin.New()
	g.Use(withRequestContext(logger))
	srv.registerRoutes(g)

	return &testEnv{server: srv, gin: g}
}

// createDevice inserts a device directly and returns its credentials.
func (env *testEnv) createDevice(t *testing.T, status string) *auth.Credentials {
	t.Helper()
	id, err := auth.GenerateSecret()
	require.NoError(t, err)
	secret, err := auth.GenerateSecret()
	require.NoError(t, err)

	device := Device{
		ID:            id,
		Name:          "shelf-" + id[:8],
		Department:    "research",
		Secret:        secret,
		Status:        status,
		SecurityScore: 100,
	}
	require.NoError(t, env.server.db.Create(&device).Error)
	return &auth.Credentials{DeviceID: id, DeviceToken: secret}
}

func (env *testEnv) createToken(t *testing.T, maxUses int, expiresAt *time.Time) string {
	t.Helper()
	raw, err := auth.GenerateSecret()
	require.NoError(t, err)
	record := DeploymentToken{
		Label:     "test",
		TokenHash: env.server.tokenHasher.Hash(raw),
		MaxUses:   maxUses,
		ExpiresAt: expiresAt,
		IsActive:  true,
	}
	require.NoError(t, env.server.db.Create(&record).Error)
	return raw
}

func (env *testEnv) createTask(t *testing.T, id string, priority int) *Task {
	t.Helper()
	task := Task{
		ID:        id,
		AgentType: "book_analysis",
		Payload:   `{"book_id":"b1"}`,
		Priority:  priority,
		Status:    TaskPending,
	}
	require.NoError(t, env.server.db.Create(&task).Error)
	return &task
}

// signedRequest builds a device request with valid authentication headers.
func signedRequest(t *testing.T, creds *auth.Credentials, method, path string, body []byte) *http.Request {
	t.Helper()
	payload := body
	if payload == nil {
		payload = []byte("{}")
	}
	signed := auth.CreateSignedRequest(creds, payload)
	req := httptest.NewRequest(method, path, bytes.NewReader(signed.Body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerDeviceID, creds.DeviceID)
	req.Header.Set(headerTimestamp, strconv.FormatInt(signed.Timestamp, 10))
	req.Header.Set(headerSignature, signed.Signature)
	return req
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	env.gin.ServeHTTP(resp, req)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	return out
}
