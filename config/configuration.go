package config

import (
	"fmt"
	"os"

	homedir "github.com/mitchellh/go-homedir"
	yaml "gopkg.in/yaml.v3"
)

// DefaultConfigFiles lists conventional config file names. The binaries in
// cmd/ do not consult it: they load a config file only when --config is given.
var DefaultConfigFiles = []string{"config.yml", "config.yaml"}

// ExpandPath resolves a leading "~" in a config-supplied path to the
// invoking user's home directory; every path field (cert_path, key_path,
// root_ca) is expanded before use.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	return homedir.Expand(path)
}

// LoadClientConfig reads and validates a ClientConfig from a YAML file at
// path, applying spec.md §6 defaults to unset optional fields.
func LoadClientConfig(path string) (*ClientConfig, error) {
	var cfg ClientConfig
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}

	rootCA, err := ExpandPath(cfg.RootCA)
	if err != nil {
		return nil, fmt.Errorf("config: root_ca: %w", err)
	}
	cfg.RootCA = rootCA

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadServerConfig reads and validates a ServerConfig from a YAML file at
// path, applying spec.md §6 defaults to unset optional fields.
func LoadServerConfig(path string) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}

	certPath, err := ExpandPath(cfg.CertPath)
	if err != nil {
		return nil, fmt.Errorf("config: cert_path: %w", err)
	}
	cfg.CertPath = certPath

	keyPath, err := ExpandPath(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("config: key_path: %w", err)
	}
	cfg.KeyPath = keyPath

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeFile(path string, out interface{}) error {
	if path == "" {
		return fmt.Errorf("config: no config file given")
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	file, err := os.Open(expanded)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(out); err != nil {
		return fmt.Errorf("config: parsing %s: %w", expanded, err)
	}
	return nil
}
