package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/Ship-Gate/ShipGate-sub013/internal/proof"
	"github.com/spf13/cobra"
)

func verifyProofCmd() *cobra.Command {
	var pubHex string
	cmd := &cobra.Command{
		Use:   "verify-proof <proof.json>",
		Short: "Verify the content hash, stage chain and signature of a proof bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := verifyProofFile(args[0], pubHex)
			if err != nil {
				return err
			}
			signed := "unsigned"
			if b.Signature != "" {
				signed = "signed"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "proof %s verified (%s, %s)\n", b.BundleID, b.Outcome.Reason, signed)
			return nil
		},
	}
	cmd.Flags().StringVar(&pubHex, "pub", "", "hex encoded ed25519 public key the signature must verify against")
	return cmd
}

func verifyProofFile(path, pubHex string) (*proof.Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read proof: %w", err)
	}
	b, err := proof.Parse(data)
	if err != nil {
		return nil, err
	}
	var pub ed25519.PublicKey
	if pubHex != "" {
		raw, err := hex.DecodeString(strings.TrimSpace(pubHex))
		if err != nil {
			return nil, fmt.Errorf("decode public key: %w", err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
		}
		pub = raw
	}
	if err := proof.Verify(b, pub); err != nil {
		return nil, fmt.Errorf("verify %s: %w", path, err)
	}
	return b, nil
}
