package commands

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/ngrok/handshaker"
	"github.com/spf13/cobra"
)

func (c *cli) newProbeCmd(defaults *CLIConfig) *cobra.Command {
	probeCmd := &cobra.Command{
		Use:   "probe ADDR",
		Short: "Handshake with the node at ADDR and print the negotiated version",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runProbe,
	}
	probeCmd.Flags().Duration("timeout", defaults.Timeout, "How long to wait for the handshake response")
	return probeCmd
}

func (c *cli) runProbe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	tr := c.newTransport(nil, handshaker.WithHandshakeTimeout(c.config.Timeout))
	defer tr.Close()

	node := handshaker.Node{Address: args[0]}
	conn, err := tr.Connect(ctx, node)
	if err != nil {
		return err
	}
	defer conn.Close()

	version, _ := conn.Version()
	fmt.Fprintf(cmd.OutOrStdout(), "%s negotiated version %v (%s)\n", node, version, version.ReleaseVersion())
	return nil
}
