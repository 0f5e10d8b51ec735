package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

const (
	secretService = "sourcesync"
	tokenAccount  = "api_token"
	tokenEnv      = "SOURCESYNC_API_TOKEN"
)

// secretStore abstracts the platform secret store for testing.
type secretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

type keychainStore struct{}

func (keychainStore) Get(service, account string) (string, error) {
	b, err := keychainGet(service, account)
	return string(b), err
}

func (keychainStore) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// GetAPIToken returns the bearer token that guards the HTTP API. It is taken
// from SOURCESYNC_API_TOKEN when set; otherwise it is read from the platform
// secret store and generated there on first use.
func GetAPIToken() (string, error) {
	return apiToken(keychainStore{})
}

func apiToken(store secretStore) (string, error) {
	if v := os.Getenv(tokenEnv); v != "" {
		return v, nil
	}
	if v, err := store.Get(secretService, tokenAccount); err == nil && v != "" {
		return v, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api token: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := store.Set(secretService, tokenAccount, token); err != nil {
		return "", fmt.Errorf("storing api token: %w", err)
	}
	return token, nil
}
