package main

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/gosuda/rxpc/pairing/transport"
	"github.com/gosuda/rxpc/tunnel"
)

var tunnelCmd = &cobra.Command{
	Use:   "tunnel",
	Short: "Request the device's TLS-PSK data-channel listener",
	RunE:  runTunnelCreate,
}

func init() {
	flags := tunnelCmd.Flags()
	flags.StringVar(&flagControlAddr, "addr", "", "control-plane host:port (required)")
	flags.StringVar(&flagDeviceID, "device-id", "", "device identifier whose session keys were saved by `rxpc pair verify` (required)")
	tunnelCmd.MarkFlagRequired("addr")
	tunnelCmd.MarkFlagRequired("device-id")
}

func runTunnelCreate(cmd *cobra.Command, args []string) error {
	keys, err := loadSessionKeys(flagPairingDir, flagDeviceID)
	if err != nil {
		return err
	}

	conn, err := net.Dial("tcp", flagControlAddr)
	if err != nil {
		return fmt.Errorf("dial control address: %w", err)
	}
	defer conn.Close()

	session := tunnel.NewSession(transport.New(conn), keys, logger)
	info, err := session.CreateListener()
	if err != nil {
		return fmt.Errorf("createListener: %w", err)
	}

	out, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal listener info: %w", err)
	}
	logger.Info().Int("port", info.Port).Str("service", info.ServiceName).Msg("tunnel listener ready")
	fmt.Println(string(out))
	return nil
}
