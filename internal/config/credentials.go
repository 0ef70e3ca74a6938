package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/bryanwahyu/automaton-vision/internal/domain/pipeline"
)

// CredentialProvider yields the vision API key. Resolved once at startup;
// neither variant re-reads its source afterwards.
type CredentialProvider interface {
	APIKey() (string, error)
}

// FileCredentials reads the key from a mounted secret file.
type FileCredentials struct {
	Path string
}

func (f FileCredentials) APIKey() (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("%w: read credentials file: %v", pipeline.ErrConfiguration, err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", fmt.Errorf("%w: credentials file %s is empty", pipeline.ErrConfiguration, f.Path)
	}
	return key, nil
}

// InlineCredentials decodes a base64 key injected through the environment.
type InlineCredentials struct {
	Encoded string
}

func (i InlineCredentials) APIKey() (string, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(i.Encoded))
	if err != nil {
		return "", fmt.Errorf("%w: decode inline credentials: %v", pipeline.ErrConfiguration, err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", fmt.Errorf("%w: inline credentials decode to an empty key", pipeline.ErrConfiguration)
	}
	return key, nil
}

// Credentials picks the configured variant. Validate has already rejected
// the none-or-both cases.
func (c *Config) Credentials() CredentialProvider {
	if c.Vision.CredentialsFile != "" {
		return FileCredentials{Path: c.Vision.CredentialsFile}
	}
	return InlineCredentials{Encoded: c.Vision.CredentialsB64}
}
