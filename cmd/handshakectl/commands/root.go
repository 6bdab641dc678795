package commands

import (
	"os"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/inconshreveable/log15"
	"github.com/ngrok/handshaker"
	"github.com/ngrok/handshaker/internal/proto"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cli is the state shared by one tree of handshakectl commands.
type cli struct {
	v      *viper.Viper
	config *CLIConfig
	logger log15.Logger
}

// NewRootCmd builds the handshakectl command tree. Every tree reads flags,
// environment and config file into its own configuration.
func NewRootCmd() *cobra.Command {
	c := &cli{v: viper.New(), config: NewDefaultCLIConfig()}
	c.v.SetEnvPrefix("handshaker")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:               "handshakectl",
		Short:             "Answer and probe transport handshakes",
		PersistentPreRunE: c.loadConfig,
	}

	defaults := NewDefaultCLIConfig()
	rootCmd.PersistentFlags().Int("protocol-version", defaults.ProtocolVersion, "Protocol version announced in handshakes")
	rootCmd.PersistentFlags().String("release", defaults.Release, "Release identifier announced in handshakes")
	rootCmd.PersistentFlags().Int("min-compatible", defaults.MinCompatible, "Oldest protocol version accepted from a peer")
	rootCmd.PersistentFlags().String("log", defaults.LogLevel, "debug, info, warn, error, crit")
	rootCmd.PersistentFlags().String("config", defaults.ConfigFile, "Path to a configuration file")

	rootCmd.AddCommand(c.newServeCmd(defaults), c.newProbeCmd(defaults))
	return rootCmd
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

func (c *cli) loadConfig(cmd *cobra.Command, args []string) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := c.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if file := c.v.GetString("config"); file != "" {
		c.v.SetConfigFile(file)
		if err := c.v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "could not read config file %s", file)
		}
	}

	conf, err := c.parseConfig()
	if err != nil {
		return err
	}
	c.config = conf

	c.logger, err = newLogger(c.config.LogLevel)
	if err != nil {
		return err
	}
	if c.v.ConfigFileUsed() != "" {
		c.logger.Debug("using config file", "file", c.v.ConfigFileUsed())
	}
	if _, err := semver.ParseTolerant(c.config.Release); err != nil {
		c.logger.Warn("release is not a semantic version", "release", c.config.Release, "err", err)
	}
	c.logger.Debug("loaded config",
		"protocol-version", c.config.ProtocolVersion,
		"release", c.config.Release,
		"min-compatible", c.config.MinCompatible,
		"log", c.config.LogLevel)
	return nil
}

// Retrieve the configuration from flags, environment and config file.
func (c *cli) parseConfig() (*CLIConfig, error) {
	conf := NewDefaultCLIConfig()
	if err := c.v.Unmarshal(conf); err != nil {
		return nil, err
	}
	return conf, nil
}

func newLogger(level string) (log15.Logger, error) {
	lvl, err := log15.LvlFromString(level)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", level)
	}
	l := log15.New("cmd", "handshakectl")
	l.SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(os.Stderr, log15.LogfmtFormat())))
	return l, nil
}

func (c *cli) newTransport(reg prometheus.Registerer, opts ...handshaker.Option) *handshaker.Transport {
	opts = append([]handshaker.Option{
		handshaker.WithLogger(c.logger),
		handshaker.WithMinimumCompatibleVersion(proto.Version(c.config.MinCompatible)),
		handshaker.WithMetrics(reg),
	}, opts...)
	return handshaker.NewTransport(c.config.version(), c.config.Release, opts...)
}
