//go:build !darwin

package config

import (
	"fmt"
	"path/filepath"
)

// secrets are kept in a private JSON file keyed by service then account.
type secretsFile map[string]map[string]string

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

func keychainGet(service, account string) ([]byte, error) {
	var secrets secretsFile
	if err := readJSONFile(secretsFilePath(), &secrets); err != nil {
		return nil, fmt.Errorf("reading secrets: %w", err)
	}
	val, ok := secrets[service][account]
	if !ok {
		return nil, fmt.Errorf("no secret stored for %s/%s", service, account)
	}
	return []byte(val), nil
}

func keychainSet(service, account, value string) error {
	p := secretsFilePath()
	secrets := secretsFile{}
	if err := readJSONFile(p, &secrets); err != nil || secrets == nil {
		secrets = secretsFile{}
	}
	if secrets[service] == nil {
		secrets[service] = map[string]string{}
	}
	secrets[service][account] = value
	return writeJSONFile(p, secrets)
}
