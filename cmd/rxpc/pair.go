package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gosuda/rxpc/core/identity"
	"github.com/gosuda/rxpc/pairing"
	"github.com/gosuda/rxpc/pairing/transport"
	"github.com/gosuda/rxpc/pairing/verify"
)

// sessionKeys is the CLI's own on-disk handoff shape for the session
// keys pair-verify derives, so that `rxpc tunnel`/`rxpc afc`/`rxpc dtx`
// invoked as separate processes can pick up where `rxpc pair verify`
// left off. It is not part of the module's data model (pairing.
// VerificationKeys is deliberately never persisted); this file is purely
// this CLI's own working state and is written next to the FileStore's
// pairing records with a distinct extension.
type sessionKeys struct {
	ClientEncryptionKey string `json:"clientEncryptionKey"`
	ServerEncryptionKey string `json:"serverEncryptionKey"`
	PSK                 string `json:"psk"`
}

func sessionKeysPath(dir, deviceID string) string {
	return filepath.Join(dir, deviceID+".session.json")
}

var (
	flagControlAddr string
	flagDeviceID    string
	flagPeerPubKey  string
	flagHostID      string
)

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Pairing operations against an already paired device",
}

var pairVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run the M1-M4 pair-verify exchange and print the derived tunnel PSK",
	RunE:  runPairVerify,
}

var pairGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Provision a new long-term host keypair and save it as a DeviceIdentity record",
	RunE:  runPairGenerate,
}

func init() {
	pairCmd.AddCommand(pairVerifyCmd)
	pairCmd.AddCommand(pairGenerateCmd)

	pairGenerateCmd.Flags().StringVar(&flagDeviceID, "device-id", "", "identifier to file the new record under (required)")
	pairGenerateCmd.MarkFlagRequired("device-id")

	flags := pairVerifyCmd.Flags()
	flags.StringVar(&flagControlAddr, "addr", "", "control-plane host:port (required)")
	flags.StringVar(&flagDeviceID, "device-id", "", "device identifier to load from the pairing store (required)")
	flags.StringVar(&flagPeerPubKey, "peer-pubkey", "", "base64 Ed25519 long-term public key advertised by the device (required)")
	flags.StringVar(&flagHostID, "host-id", "rxpc", "host identifier sent in M3")
	pairVerifyCmd.MarkFlagRequired("addr")
	pairVerifyCmd.MarkFlagRequired("device-id")
	pairVerifyCmd.MarkFlagRequired("peer-pubkey")
}

func runPairVerify(cmd *cobra.Command, args []string) error {
	store := pairing.NewFileStore(flagPairingDir)
	identity, err := store.Load(flagDeviceID)
	if err != nil {
		return fmt.Errorf("load pairing record: %w", err)
	}

	peerKey, err := base64.StdEncoding.DecodeString(flagPeerPubKey)
	if err != nil {
		return fmt.Errorf("decode --peer-pubkey: %w", err)
	}

	conn, err := net.Dial("tcp", flagControlAddr)
	if err != nil {
		return fmt.Errorf("dial control address: %w", err)
	}
	defer conn.Close()

	params := verify.Params{
		Identity:        identity,
		PeerLongTermKey: peerKey,
		HostIdentifier:  flagHostID,
	}
	v := verify.New(transport.New(conn), params, logger)
	keys, err := v.Run()
	if err != nil {
		return fmt.Errorf("pair-verify: %w", err)
	}

	sk := sessionKeys{
		ClientEncryptionKey: base64.StdEncoding.EncodeToString(keys.ClientEncryptionKey),
		ServerEncryptionKey: base64.StdEncoding.EncodeToString(keys.ServerEncryptionKey),
		PSK:                 base64.StdEncoding.EncodeToString(keys.PSK),
	}
	data, err := json.MarshalIndent(sk, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session keys: %w", err)
	}
	if err := os.MkdirAll(flagPairingDir, 0o700); err != nil {
		return fmt.Errorf("create pairing dir: %w", err)
	}
	if err := os.WriteFile(sessionKeysPath(flagPairingDir, flagDeviceID), data, 0o600); err != nil {
		return fmt.Errorf("write session keys: %w", err)
	}

	logger.Info().Str("device_id", flagDeviceID).Msg("pair-verify established")
	fmt.Println(base64.StdEncoding.EncodeToString(keys.PSK))
	return nil
}

// runPairGenerate provisions the host side of an out-of-band pairing:
// a fresh long-term Ed25519 keypair, saved through the FileStore under
// device-id. The matching device-side record and identifier assignment
// happen elsewhere; this only produces the host's own half.
func runPairGenerate(cmd *cobra.Command, args []string) error {
	cred, err := identity.NewCredential()
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}

	record := &pairing.DeviceIdentity{
		Identifier:        flagDeviceID,
		LongTermPublicKey: cred.PublicKey(),
		LongTermSecretKey: cred.Seed(),
	}
	store := pairing.NewFileStore(flagPairingDir)
	if err := store.Save(record); err != nil {
		return fmt.Errorf("save pairing record: %w", err)
	}

	logger.Info().Str("device_id", flagDeviceID).Msg("provisioned new pairing record")
	fmt.Println(base64.StdEncoding.EncodeToString(cred.PublicKey()))
	return nil
}

func loadSessionKeys(dir, deviceID string) (*pairing.VerificationKeys, error) {
	data, err := os.ReadFile(sessionKeysPath(dir, deviceID))
	if err != nil {
		return nil, fmt.Errorf("read session keys (run `rxpc pair verify` first): %w", err)
	}
	var sk sessionKeys
	if err := json.Unmarshal(data, &sk); err != nil {
		return nil, fmt.Errorf("decode session keys: %w", err)
	}
	clientKey, err := base64.StdEncoding.DecodeString(sk.ClientEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decode clientEncryptionKey: %w", err)
	}
	serverKey, err := base64.StdEncoding.DecodeString(sk.ServerEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decode serverEncryptionKey: %w", err)
	}
	psk, err := base64.StdEncoding.DecodeString(sk.PSK)
	if err != nil {
		return nil, fmt.Errorf("decode psk: %w", err)
	}
	return &pairing.VerificationKeys{
		ClientEncryptionKey: clientKey,
		ServerEncryptionKey: serverKey,
		PSK:                 psk,
	}, nil
}
