package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/matrix-org/callflow/pkg/coordinator"
	"github.com/matrix-org/callflow/pkg/media"
	"github.com/matrix-org/callflow/pkg/signaling"
	"github.com/matrix-org/callflow/pkg/telemetry"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Call flow client configuration.
type Config struct {
	// Matrix configuration.
	Matrix signaling.Config `yaml:"matrix"`
	// Call coordination configuration.
	Call Call `yaml:"call"`
	// WebRTC engine configuration.
	Media media.Config `yaml:"media"`
	// Telemetry (tracing) configuration. Optional.
	Telemetry telemetry.Config `yaml:"telemetry"`
	// Starting from which level to log stuff.
	LogLevel string `yaml:"log"`
}

// Call timeouts in seconds. Zero means the coordinator's default.
type Call struct {
	// Client-side mirror of the server's invitation TTL.
	InviteTTL int `yaml:"inviteTtl"`
	// How long a call may stay in connecting before it is dropped.
	ConnectTimeout int `yaml:"connectTimeout"`
}

// Coordinator builds the coordinator configuration for the configured user.
func (c *Config) Coordinator() coordinator.Config {
	return coordinator.Config{
		UserID:         string(c.Matrix.UserID),
		InviteTTL:      time.Duration(c.Call.InviteTTL) * time.Second,
		ConnectTimeout: time.Duration(c.Call.ConnectTimeout) * time.Second,
	}
}

// Tries to load a config from the `CONFIG` environment variable.
// If the environment variable is not set, tries to load a config from the
// provided path to the config file (YAML). Returns an error if the config could
// not be loaded.
func LoadConfig(path string) (*Config, error) {
	config, err := LoadConfigFromEnv()
	if err != nil {
		if !errors.Is(err, ErrNoConfigEnvVar) {
			return nil, err
		}

		return LoadConfigFromPath(path)
	}

	return config, nil
}

// ErrNoConfigEnvVar is returned when the CONFIG environment variable is not set.
var ErrNoConfigEnvVar = errors.New("environment variable not set or invalid")

// Tries to load the config from environment variable (`CONFIG`).
// Returns an error if not all environment variables are set.
func LoadConfigFromEnv() (*Config, error) {
	configEnv := os.Getenv("CONFIG")
	if configEnv == "" {
		return nil, ErrNoConfigEnvVar
	}

	return LoadConfigFromString(configEnv)
}

// Tries to load a config from the provided path.
func LoadConfigFromPath(path string) (*Config, error) {
	logrus.WithField("path", path).Info("loading config")

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return LoadConfigFromString(string(file))
}

// Load config from the provided string.
// Returns an error if the string is not a valid YAML.
func LoadConfigFromString(configString string) (*Config, error) {
	logrus.Info("loading config from string")

	var config Config
	if err := yaml.Unmarshal([]byte(configString), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML file: %w", err)
	}

	if config.Matrix.UserID == "" ||
		config.Matrix.HomeserverURL == "" ||
		config.Matrix.AccessToken == "" ||
		config.Matrix.ServerUserID == "" ||
		config.Call.InviteTTL < 0 ||
		config.Call.ConnectTimeout < 0 {
		return nil, errors.New("invalid config values")
	}

	return &config, nil
}
