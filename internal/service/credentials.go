package service

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/core"
)

type credentialEntry struct {
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	PrivateKey    string `yaml:"private_key"`
	PeerPublicKey string `yaml:"peer_public_key"`
}

// FileCredentials reads decrypted credentials from a YAML file keyed by
// tunnel config id. The file is re-read on every lookup so the credential
// agent can rotate it without a restart.
type FileCredentials struct {
	path string
}

// NewFileCredentials creates a credential source backed by a YAML file.
func NewFileCredentials(path string) *FileCredentials {
	return &FileCredentials{path: path}
}

func (f *FileCredentials) CredentialsFor(tunnelID string) (core.Credentials, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return core.Credentials{}, fmt.Errorf("read credentials file: %w", err)
	}
	entries := make(map[string]credentialEntry)
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return core.Credentials{}, fmt.Errorf("parse credentials file: %w", err)
	}
	entry, ok := entries[tunnelID]
	if !ok {
		return core.Credentials{}, fmt.Errorf("no credentials for tunnel %q", tunnelID)
	}
	return core.Credentials{
		Username:      entry.Username,
		Password:      entry.Password,
		PrivateKey:    entry.PrivateKey,
		PeerPublicKey: entry.PeerPublicKey,
	}, nil
}

type noCredentials struct{}

func (noCredentials) CredentialsFor(tunnelID string) (core.Credentials, error) {
	return core.Credentials{}, fmt.Errorf("credentials_file not configured, cannot connect tunnel %q", tunnelID)
}

func newCredentialSource(path string) core.CredentialSource {
	if path == "" {
		return noCredentials{}
	}
	return NewFileCredentials(path)
}
