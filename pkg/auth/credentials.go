package auth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Credentials is the device's half of the shared-secret pair established at
// registration. The orchestrator holds the only other copy of the token.
type Credentials struct {
	DeviceID    string `json:"device_id"`
	DeviceToken string `json:"device_token"`
}

// RegistrationRequest is the body of POST /devices/register.
type RegistrationRequest struct {
	DeploymentToken string     `json:"deployment_token"`
	DeviceInfo      DeviceInfo `json:"device_info"`
}

// DeviceInfo describes the registering host.
type DeviceInfo struct {
	Name       string `json:"name"`
	Department string `json:"department"`
	OSInfo     string `json:"os_info,omitempty"`
}

// RegistrationResponse returns the credentials minted for a new device. The
// token is transmitted exactly once; there is no API that returns it again.
type RegistrationResponse struct {
	DeviceID    string `json:"device_id"`
	DeviceToken string `json:"device_token"`
}

// GenerateSecret returns a hex-encoded 256-bit random value, used for both
// device identities and device tokens.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Save stores credentials to disk with 0600 permissions.
func (c *Credentials) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadCredentials reads credentials from disk.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	if creds.DeviceID == "" || creds.DeviceToken == "" {
		return nil, fmt.Errorf("credentials file %s is incomplete", path)
	}
	return &creds, nil
}
