package backup

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadConfigFromBytes parses YAML, applies defaults and validates.
func LoadConfigFromBytes(data []byte) (*SystemConfig, error) {
	config := &SystemConfig{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

// SaveConfig writes a validated configuration as YAML.
func SaveConfig(config *SystemConfig, path string) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("cannot save invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateDefaultConfigYAML returns a commented starter configuration.
func GenerateDefaultConfigYAML() []byte {
	return []byte(`# snapvault configuration

# Primary store: LOCAL, S3, AZURE, GCS
storage:
  provider: LOCAL
  local:
    base_path: "./data/primary"
  # s3:
  #   bucket: "my-backups"
  #   region: "us-east-1"
  #   access_key: ""
  #   secret_key: ""
  #   endpoint: ""          # S3-compatible endpoint, e.g. MinIO
  # azure:
  #   account_name: ""
  #   account_key: ""
  #   container_name: "backups"
  # gcs:
  #   bucket: "my-backups"
  #   credentials_path: "/path/to/credentials.json"

# On-device copy with a capacity cap; pinned backups are never evicted
local_store:
  enabled: false
  base_path: "./data/local"
  max_backups: 10
  max_bytes: 0

# Optional cloud drive mirror (OAuth2)
mirror:
  enabled: false
  client_id: ""
  client_secret: ""
  redirect_url: "http://localhost:8080/oauth/callback"
  folder_id: ""

# Master key: hex, env, file or passphrase
encryption:
  key_source: env
  key_env_var: SNAPVAULT_MASTER_KEY
  key_version: 1

compression:
  enabled: true
  algorithm: ZSTD
  level: 3

# Backup metadata: sqlite or mysql
registry:
  driver: sqlite
  dsn: "file:./data/registry.db?_pragma=busy_timeout(5000)"

scheduler:
  enabled: true
  tick_spec: "@every 1m"
  default_frequency: daily
  default_type: full

runner:
  workers: 4
  queue_size: 64
  export_attempts: 3

sync:
  enabled: false
  path: "./data/syncqueue"
  interval: 1m
  max_retries: 5

timeouts:
  export: 30s
  primary: 2m
  mirror: 2m
  local: 30s

retention:
  default_days: 30
  reap_interval: 1h

backup_types:
  full: [appointments, clients, invoices, services, settings]
  settings: [settings]

metrics:
  listen: ""
`)
}
