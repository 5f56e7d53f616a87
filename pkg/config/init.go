package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// InitConfig writes a commented default configuration to the default location.
//
// Parameters:
//   - force: Overwrite an existing file
//
// Returns:
//   - string: Path of the written file
//   - error: If the file exists (and force is false) or cannot be written
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a commented default configuration to path,
// creating parent directories as needed.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

type configSection struct {
	name    string
	comment string
	value   any
}

// generateYAMLWithComments renders cfg one top-level section at a time so each
// section can carry an explanatory comment block.
func generateYAMLWithComments(cfg *Config) (string, error) {
	sections := []configSection{
		{
			name: "logging",
			comment: `Logging
  level: DEBUG, INFO, WARN, ERROR
  format: text, json
  output: stdout, stderr, or a file path`,
			value: cfg.Logging,
		},
		{
			name: "server",
			comment: `Admin API
  Serves feed deletion, bulk deletion and purge endpoints under /api.`,
			value: cfg.Server,
		},
		{
			name: "store",
			comment: `Key-value backend
  type: memory, badger, redis, s3
  Only the section matching type is read. For s3 set region and bucket,
  plus endpoint/access_key_id/secret_access_key for MinIO or Localstack.
  rate_limit throttles every backend call (0 = unlimited).`,
			value: cfg.Store,
		},
		{
			name: "purge",
			comment: `Deletion engine
  delete_concurrency: parallel deletes per purge step
  bulk_concurrency: sub-batch size of bulk deletes
  default_page_limit: keys per purge step when none is requested (max 1000)
  workers/queue_size: background purge workers and their queue
  sweep_interval: how often pending purge markers are re-queued`,
			value: cfg.Purge,
		},
		{
			name: "gc",
			comment: `Orphan collector
  Finds content of feeds whose config record is gone and schedules a purge.`,
			value: cfg.GC,
		},
		{
			name: "metrics",
			comment: `Prometheus metrics
  Served on /metrics at the given port when enabled.`,
			value: cfg.Metrics,
		},
	}

	var b strings.Builder
	b.WriteString("# feedmail Configuration File\n")
	b.WriteString("#\n")
	b.WriteString("# Every value can be overridden with FEEDMAIL_<SECTION>_<KEY>,\n")
	b.WriteString("# e.g. FEEDMAIL_LOGGING_LEVEL=DEBUG\n")

	for _, section := range sections {
		out, err := yaml.Marshal(map[string]any{section.name: section.value})
		if err != nil {
			return "", fmt.Errorf("failed to marshal %s section: %w", section.name, err)
		}

		b.WriteString("\n")
		for _, line := range strings.Split(section.comment, "\n") {
			b.WriteString("# ")
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.Write(out)
	}

	return b.String(), nil
}
