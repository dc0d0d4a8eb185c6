package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gosuda/rxpc/dtx"
	"github.com/gosuda/rxpc/tunnel/tlspsk"
)

var flagInstrumentID string

var dtxCmd = &cobra.Command{
	Use:   "dtx",
	Short: "DTX instrument operations over the device's data channel",
}

var dtxHandshakeCmd = &cobra.Command{
	Use:   "handshake",
	Short: "Perform the channel-0 capability handshake and print what the device published",
	RunE:  runDtxHandshake,
}

var dtxOpenCmd = &cobra.Command{
	Use:   "open-instrument",
	Short: "Handshake then request a channel for --instrument",
	RunE:  runDtxOpenInstrument,
}

func init() {
	dtxCmd.AddCommand(dtxHandshakeCmd, dtxOpenCmd)
	for _, c := range []*cobra.Command{dtxHandshakeCmd, dtxOpenCmd} {
		flags := c.Flags()
		flags.StringVar(&flagDataAddr, "data-addr", "", "TLS-PSK data channel host:port from `rxpc tunnel` (required)")
		flags.StringVar(&flagDeviceID, "device-id", "", "device identifier whose session keys were saved by `rxpc pair verify` (required)")
		c.MarkFlagRequired("data-addr")
		c.MarkFlagRequired("device-id")
	}
	dtxOpenCmd.Flags().StringVar(&flagInstrumentID, "instrument", "", "instrument bundle identifier to request a channel for (required)")
	dtxOpenCmd.MarkFlagRequired("instrument")
}

func dialDTX() (*dtx.Session, error) {
	keys, err := loadSessionKeys(flagPairingDir, flagDeviceID)
	if err != nil {
		return nil, err
	}
	conn, err := tlspsk.Dial(flagDataAddr, keys.PSK, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial data channel: %w", err)
	}
	return dtx.NewSession(conn, nil, logger), nil
}

func runDtxHandshake(cmd *cobra.Command, args []string) error {
	session, err := dialDTX()
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Handshake(); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	for c := range session.Capabilities() {
		fmt.Println(c)
	}
	return nil
}

func runDtxOpenInstrument(cmd *cobra.Command, args []string) error {
	session, err := dialDTX()
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Handshake(); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	inst, err := dtx.OpenInstrument(session, flagInstrumentID)
	if err != nil {
		return fmt.Errorf("open instrument %s: %w", flagInstrumentID, err)
	}
	logger.Info().Str("instrument", flagInstrumentID).Int32("channel", inst.Code).Msg("channel opened")
	return nil
}
