package commands

import (
	"time"

	"github.com/ngrok/handshaker"
	"github.com/ngrok/handshaker/internal/proto"
)

// DefaultRelease is the release identifier announced when none is configured.
const DefaultRelease = "8.8.0"

// CLIConfig contains the configuration shared by all handshakectl commands.
type CLIConfig struct {
	ProtocolVersion int           `mapstructure:"protocol-version"`
	Release         string        `mapstructure:"release"`
	MinCompatible   int           `mapstructure:"min-compatible"`
	LogLevel        string        `mapstructure:"log"`
	ConfigFile      string        `mapstructure:"config"`
	Listen          string        `mapstructure:"listen"`
	MetricsListen   string        `mapstructure:"metrics-listen"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Tolerant        bool          `mapstructure:"tolerant"`
}

// NewDefaultCLIConfig creates a CLIConfig with default values
func NewDefaultCLIConfig() *CLIConfig {
	return &CLIConfig{
		ProtocolVersion: int(proto.CurrentVersion),
		Release:         DefaultRelease,
		MinCompatible:   int(proto.MinimumCompatibleVersion),
		LogLevel:        "info",
		Listen:          "127.0.0.1:9300",
		MetricsListen:   "127.0.0.1:9301",
		Timeout:         handshaker.DefaultHandshakeTimeout,
	}
}

func (c *CLIConfig) version() proto.Version {
	return proto.Version(c.ProtocolVersion)
}
