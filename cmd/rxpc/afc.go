package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gosuda/rxpc/afc"
	"github.com/gosuda/rxpc/tunnel/tlspsk"
)

var flagDataAddr string

var afcCmd = &cobra.Command{
	Use:   "afc",
	Short: "AFC file operations over the device's data channel",
}

var afcLsCmd = &cobra.Command{
	Use:   "ls <path>",
	Short: "List a directory on the device",
	Args:  cobra.ExactArgs(1),
	RunE:  runAfcLs,
}

var afcPullCmd = &cobra.Command{
	Use:   "pull <device-path> <local-path>",
	Short: "Copy a file from the device to the local filesystem",
	Args:  cobra.ExactArgs(2),
	RunE:  runAfcPull,
}

var afcPushCmd = &cobra.Command{
	Use:   "push <local-path> <device-path>",
	Short: "Copy a local file to the device",
	Args:  cobra.ExactArgs(2),
	RunE:  runAfcPush,
}

func init() {
	afcCmd.AddCommand(afcLsCmd, afcPullCmd, afcPushCmd)
	for _, c := range []*cobra.Command{afcLsCmd, afcPullCmd, afcPushCmd} {
		flags := c.Flags()
		flags.StringVar(&flagDataAddr, "data-addr", "", "TLS-PSK data channel host:port from `rxpc tunnel` (required)")
		flags.StringVar(&flagDeviceID, "device-id", "", "device identifier whose session keys were saved by `rxpc pair verify` (required)")
		c.MarkFlagRequired("data-addr")
		c.MarkFlagRequired("device-id")
	}
}

func dialAFC() (*afc.Client, func(), error) {
	keys, err := loadSessionKeys(flagPairingDir, flagDeviceID)
	if err != nil {
		return nil, nil, err
	}
	conn, err := tlspsk.Dial(flagDataAddr, keys.PSK, 30*time.Second)
	if err != nil {
		return nil, nil, fmt.Errorf("dial data channel: %w", err)
	}
	session := afc.NewSession(conn, logger)
	return afc.NewClient(session), func() { session.Close() }, nil
}

func runAfcLs(cmd *cobra.Command, args []string) error {
	client, closeFn, err := dialAFC()
	if err != nil {
		return err
	}
	defer closeFn()

	entries, err := client.ListDir(args[0])
	if err != nil {
		return fmt.Errorf("ls %s: %w", args[0], err)
	}
	for _, e := range entries {
		fmt.Println(e)
	}
	return nil
}

func runAfcPull(cmd *cobra.Command, args []string) error {
	client, closeFn, err := dialAFC()
	if err != nil {
		return err
	}
	defer closeFn()

	data, err := client.PullFile(args[0])
	if err != nil {
		return fmt.Errorf("pull %s: %w", args[0], err)
	}
	if err := os.WriteFile(args[1], data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", args[1], err)
	}
	logger.Info().Str("device_path", args[0]).Str("local_path", args[1]).Int("bytes", len(data)).Msg("pulled")
	return nil
}

func runAfcPush(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}

	client, closeFn, err := dialAFC()
	if err != nil {
		return err
	}
	defer closeFn()

	if err := client.Push(args[1], data); err != nil {
		return fmt.Errorf("push %s: %w", args[1], err)
	}
	logger.Info().Str("local_path", args[0]).Str("device_path", args[1]).Int("bytes", len(data)).Msg("pushed")
	return nil
}
