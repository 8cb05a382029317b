// internal/config/global.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/govready/release-grq/internal/config/validate"
	"github.com/govready/release-grq/internal/utils/convert"
	"github.com/govready/release-grq/internal/utils/logger"
	"github.com/govready/release-grq/internal/utils/security"
	"github.com/govready/release-grq/internal/utils/slice"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
	sigsyaml "sigs.k8s.io/yaml"
)

const (
	DefaultMetadataURL    = "https://api.github.com/repos/govready/govready-q/releases/latest"
	DefaultArchiveBaseURL = "https://github.com/GovReady/govready-q/archive/refs/tags/"
	DefaultFilePrefix     = "govready-q-"
	DefaultTimeout        = 120 // seconds
)

var log = logger.Logger()

// GlobalConfig holds the tool-level settings of a publishing run
type GlobalConfig struct {
	Timeout int    `yaml:"timeout" json:"timeout"`   // Seconds external programs may run (default: 120)
	WorkDir string `yaml:"work_dir" json:"work_dir"` // Directory artifacts and manifests are written to (default: .)

	Release  ReleaseConfig  `yaml:"release" json:"release"`
	HTTP     HTTPConfig     `yaml:"http" json:"http"`
	Checksum ChecksumConfig `yaml:"checksum" json:"checksum"`
	Manifest ManifestConfig `yaml:"manifest" json:"manifest"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// ReleaseConfig locates the release on the hosting service
type ReleaseConfig struct {
	MetadataURL    string `yaml:"metadata_url" json:"metadata_url"`         // Latest-release API endpoint
	ArchiveBaseURL string `yaml:"archive_base_url" json:"archive_base_url"` // Prefix the tag and extension are appended to
	FilePrefix     string `yaml:"file_prefix" json:"file_prefix"`           // Local artifact file name prefix
	TokenEnv       string `yaml:"token_env" json:"token_env"`               // Environment variable holding an API token
}

// HTTPConfig bounds network reads, in seconds
type HTTPConfig struct {
	MetadataTimeout int    `yaml:"metadata_timeout" json:"metadata_timeout"`
	DownloadTimeout int    `yaml:"download_timeout" json:"download_timeout"`
	MaxDownloadSize string `yaml:"max_download_size" json:"max_download_size"` // e.g. "1GB"; larger bodies are refused
}

// ChecksumConfig selects the external hashing program
type ChecksumConfig struct {
	Command    []string `yaml:"command" json:"command"`         // Program and leading arguments; the artifact path is appended
	CrossCheck bool     `yaml:"cross_check" json:"cross_check"` // Recompute SHA-256 in-process and compare
}

// ManifestConfig controls the files written after all artifacts are measured
type ManifestConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	SigningKey    string `yaml:"signing_key" json:"signing_key"`       // Armored OpenPGP private key used to sign SHA256SUMS
	PassphraseEnv string `yaml:"passphrase_env" json:"passphrase_env"` // Environment variable holding the key passphrase
}

// LoggingConfig controls basic logging behavior
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`                   // debug, info (default), warn, error
	File  string `yaml:"file,omitempty" json:"file,omitempty"` // Optional log file path for teeing output to disk
}

var (
	globalInstance *GlobalConfig
	globalMutex    sync.RWMutex
	once           sync.Once
)

// SetGlobal sets the global config instance (call once at startup in main.go)
func SetGlobal(config *GlobalConfig) {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	globalInstance = config
}

// Global returns the global config instance
func Global() *GlobalConfig {
	once.Do(func() {
		globalMutex.Lock()
		defer globalMutex.Unlock()
		if globalInstance == nil {
			globalInstance = DefaultGlobalConfig()
		}
	})

	globalMutex.RLock()
	defer globalMutex.RUnlock()
	return globalInstance
}

// DefaultGlobalConfig returns a GlobalConfig with the values the download
// page has always been built with
func DefaultGlobalConfig() *GlobalConfig {
	return &GlobalConfig{
		Timeout: DefaultTimeout,
		WorkDir: ".",
		Release: ReleaseConfig{
			MetadataURL:    DefaultMetadataURL,
			ArchiveBaseURL: DefaultArchiveBaseURL,
			FilePrefix:     DefaultFilePrefix,
			TokenEnv:       "GITHUB_TOKEN",
		},
		HTTP: HTTPConfig{
			MetadataTimeout: 30,
			DownloadTimeout: 300,
			MaxDownloadSize: "1GB",
		},
		Checksum: ChecksumConfig{
			Command: []string{"shasum", "-a", "256"},
		},
		Manifest: ManifestConfig{
			Enabled:       true,
			PassphraseEnv: "RELEASE_GRQ_KEY_PASSPHRASE",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadGlobalConfig loads configuration from the specified path
func LoadGlobalConfig(configPath string) (*GlobalConfig, error) {
	config := DefaultGlobalConfig()

	if configPath == "" {
		return config, nil
	}

	if _, err := os.Stat(configPath); err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		if errors.Is(err, os.ErrPermission) {
			log.Warnf("Config file %s is not accessible (%v); using defaults", configPath, err)
			return config, nil
		}
		return nil, fmt.Errorf("accessing config file %s: %w", configPath, err)
	}

	ext := strings.ToLower(filepath.Ext(configPath))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml)", ext)
	}

	data, err := security.SafeReadFile(configPath, security.RejectSymlinks)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
	}

	if err := ValidateConfigDocument(data); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing YAML config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ValidateConfigDocument checks raw YAML against the embedded schema, so
// misspelled keys are reported instead of silently ignored.
func ValidateConfigDocument(data []byte) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	jsonData, err := sigsyaml.YAMLToJSON(data)
	if err != nil {
		return fmt.Errorf("parsing YAML config: %w", err)
	}
	if err := validate.ValidateConfigJSON(jsonData); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// SaveGlobalConfigWithComments writes the configuration with descriptive
// comments. Used by the config init command.
func (gc *GlobalConfig) SaveGlobalConfigWithComments(configPath string) error {
	if configPath == "" {
		return fmt.Errorf("config path is empty")
	}

	dir := filepath.Dir(configPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}

	commented := gc.renderCommentedYAML()
	if err := ValidateConfigDocument([]byte(commented)); err != nil {
		return fmt.Errorf("config validation failed before save: %w", err)
	}

	if err := security.SafeWriteFile(configPath, []byte(commented), 0600, security.RejectSymlinks); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func (gc *GlobalConfig) renderCommentedYAML() string {
	var b strings.Builder

	b.WriteString("# release-grq - Global Configuration\n")
	b.WriteString("# Settings for assembling GovReady-Q release artifacts for the download page.\n\n")

	fmt.Fprintf(&b, "timeout: %d\n", gc.Timeout)
	b.WriteString("# Seconds external programs (the checksum tool) may run before the run is aborted\n\n")

	fmt.Fprintf(&b, "work_dir: %q\n", gc.WorkDir)
	b.WriteString("# Directory the downloaded archives and manifests are written to\n")
	b.WriteString("# Re-running overwrites earlier downloads of the same release\n\n")

	b.WriteString("release:\n")
	fmt.Fprintf(&b, "  metadata_url: %q\n", gc.Release.MetadataURL)
	b.WriteString("  # Latest-release API endpoint; must return JSON with an html_url field\n")
	fmt.Fprintf(&b, "  archive_base_url: %q\n", gc.Release.ArchiveBaseURL)
	b.WriteString("  # Archive URL is <archive_base_url><tag><extension>\n")
	fmt.Fprintf(&b, "  file_prefix: %q\n", gc.Release.FilePrefix)
	fmt.Fprintf(&b, "  token_env: %q\n", gc.Release.TokenEnv)
	b.WriteString("  # Environment variable with an API token, sent only to GitHub hosts\n\n")

	b.WriteString("http:\n")
	fmt.Fprintf(&b, "  metadata_timeout: %d\n", gc.HTTP.MetadataTimeout)
	fmt.Fprintf(&b, "  download_timeout: %d\n", gc.HTTP.DownloadTimeout)
	fmt.Fprintf(&b, "  max_download_size: %q\n", gc.HTTP.MaxDownloadSize)
	b.WriteString("  # Seconds for the API request and for each archive; archives larger than the limit are refused\n\n")

	b.WriteString("checksum:\n")
	b.WriteString("  command:\n")
	for _, arg := range gc.Checksum.Command {
		fmt.Fprintf(&b, "    - %q\n", arg)
	}
	b.WriteString("  # The artifact path is appended; the digest is the first token of stdout\n")
	fmt.Fprintf(&b, "  cross_check: %t\n\n", gc.Checksum.CrossCheck)

	b.WriteString("manifest:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", gc.Manifest.Enabled)
	fmt.Fprintf(&b, "  signing_key: %q\n", gc.Manifest.SigningKey)
	b.WriteString("  # Armored OpenPGP private key; when set SHA256SUMS.asc is written\n")
	fmt.Fprintf(&b, "  passphrase_env: %q\n\n", gc.Manifest.PassphraseEnv)

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", gc.Logging.Level)
	b.WriteString("  # debug, info, warn or error\n")
	if gc.Logging.File != "" {
		fmt.Fprintf(&b, "  file: %q\n", gc.Logging.File)
	}

	return b.String()
}

// Validate checks the configuration for consistency. Every problem found
// is reported, not just the first.
func (gc *GlobalConfig) Validate() error {
	var result *multierror.Error

	if gc.Timeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("timeout must be greater than 0, got %d", gc.Timeout))
	}
	if strings.TrimSpace(gc.WorkDir) == "" {
		result = multierror.Append(result, fmt.Errorf("work_dir cannot be empty"))
	}
	if gc.Release.MetadataURL == "" {
		result = multierror.Append(result, fmt.Errorf("release.metadata_url cannot be empty"))
	}
	if gc.Release.ArchiveBaseURL == "" {
		result = multierror.Append(result, fmt.Errorf("release.archive_base_url cannot be empty"))
	}
	if gc.Release.FilePrefix == "" {
		result = multierror.Append(result, fmt.Errorf("release.file_prefix cannot be empty"))
	} else if strings.ContainsAny(gc.Release.FilePrefix, `/\`) {
		result = multierror.Append(result, fmt.Errorf("release.file_prefix must not contain path separators"))
	}
	if gc.HTTP.MetadataTimeout <= 0 || gc.HTTP.DownloadTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("http timeouts must be greater than 0"))
	}
	if _, err := convert.NormalizeSizeToBytes(gc.HTTP.MaxDownloadSize); err != nil {
		result = multierror.Append(result, fmt.Errorf("http.max_download_size: %w", err))
	}
	if len(gc.Checksum.Command) == 0 || strings.TrimSpace(gc.Checksum.Command[0]) == "" {
		result = multierror.Append(result, fmt.Errorf("checksum.command cannot be empty"))
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slice.Contains(validLevels, gc.Logging.Level) {
		result = multierror.Append(result, fmt.Errorf("invalid log level %q, must be one of: %s",
			gc.Logging.Level, strings.Join(validLevels, ", ")))
	}

	gc.Logging.File = strings.TrimSpace(gc.Logging.File)
	gc.Manifest.SigningKey = strings.TrimSpace(gc.Manifest.SigningKey)

	return result.ErrorOrNil()
}

// GetConfigPaths returns the standard configuration file paths to check
func GetConfigPaths() []string {
	paths := []string{
		"release-grq.yml",
		".release-grq.yml",
		"release-grq.yaml",
		".release-grq.yaml",
	}

	if homeDir, _ := os.UserHomeDir(); homeDir != "" {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "release-grq", "config.yml"),
			filepath.Join(homeDir, ".config", "release-grq", "config.yaml"),
		)
	}

	return append(paths,
		"/etc/release-grq/config.yml",
		"/etc/release-grq/config.yaml",
	)
}

// FindConfigFile searches for a configuration file in standard locations
func FindConfigFile() string {
	for _, path := range GetConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// TimeoutDuration is the external program timeout
func (gc *GlobalConfig) TimeoutDuration() time.Duration {
	return time.Duration(gc.Timeout) * time.Second
}

// MetadataTimeout bounds the latest-release request
func (gc *GlobalConfig) MetadataTimeout() time.Duration {
	return time.Duration(gc.HTTP.MetadataTimeout) * time.Second
}

// DownloadTimeout bounds each artifact download
func (gc *GlobalConfig) DownloadTimeout() time.Duration {
	return time.Duration(gc.HTTP.DownloadTimeout) * time.Second
}

// MaxDownloadBytes is the parsed download size limit
func (gc *GlobalConfig) MaxDownloadBytes() int64 {
	n, err := convert.NormalizeSizeToBytes(gc.HTTP.MaxDownloadSize)
	if err != nil {
		return 0
	}
	return int64(n)
}

// WorkDirAbs resolves the work directory
func (gc *GlobalConfig) WorkDirAbs() (string, error) {
	workDir, err := filepath.Abs(gc.WorkDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve work directory: %w", err)
	}
	return workDir, nil
}

// EnsureWorkDir creates the work directory when missing
func (gc *GlobalConfig) EnsureWorkDir() (string, error) {
	workDir, err := gc.WorkDirAbs()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return "", fmt.Errorf("creating work directory %s: %w", workDir, err)
	}
	return workDir, nil
}

// Token reads the API token from the configured environment variable
func (gc *GlobalConfig) Token() string {
	if gc.Release.TokenEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(gc.Release.TokenEnv))
}
