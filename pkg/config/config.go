package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/Math49/chat-client/pkg/relay"
	"github.com/Math49/chat-client/pkg/session"
	"github.com/Math49/chat-client/pkg/telemetry"
	"github.com/Math49/chat-client/pkg/webrtcext"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Client configuration.
type Config struct {
	// Relay (signaling transport) configuration.
	Relay relay.Config `yaml:"relay"`
	// WebRTC configuration shared by every peer connection.
	WebRTC webrtcext.Config `yaml:"webrtc"`
	// Call session configuration.
	Call session.Config `yaml:"call"`
	// Telemetry configuration. Tracing is disabled when empty.
	Telemetry telemetry.Config `yaml:"telemetry"`
	// The name under which this client introduces itself to remote parties.
	DisplayName string `yaml:"displayName"`
	// Starting from which level to log stuff.
	LogLevel string `yaml:"log"`
}

// Tries to load a config from the `CONFIG` environment variable.
// If the environment variable is not set, tries to load a config from the
// provided path to the config file (YAML). Returns an error if the config
// could not be loaded.
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
	var config Config
	if err := yaml.Unmarshal([]byte(configString), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML file: %w", err)
	}

	if config.Relay.URL == "" ||
		config.DisplayName == "" ||
		config.Call.DialTimeout < 0 ||
		config.Relay.PingInterval < 0 {
		return nil, errors.New("invalid config values")
	}

	if len(config.WebRTC.ICEServers) == 0 {
		config.WebRTC.ICEServers = []string{"stun:stun.l.google.com:19302"}
	}

	return &config, nil
}
