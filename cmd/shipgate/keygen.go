package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func keygenCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen <path>",
		Short: "Generate an ed25519 seed for proof.signing_key and print its public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := writeSigningKey(args[0], force)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(pub))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key")
	return cmd
}

func writeSigningKey(path string, force bool) (ed25519.PublicKey, error) {
	if _, err := os.Stat(path); err == nil && !force {
		return nil, fmt.Errorf("%s already exists", path)
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey), nil
}
