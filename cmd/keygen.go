package cmd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"dbvault/internal/crypto"

	"github.com/spf13/cobra"
)

type keygenOptions struct {
	save       string
	passphrase bool
	salt       string
}

func newKeygenCommand() *cobra.Command {
	opts := &keygenOptions{}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an encryption key",
		Long: `Generate a random 256-bit key, or derive one from a passphrase with
PBKDF2-SHA256. The key is printed once. With --save it is also written to a
new file readable only by you.

A derived key needs the same passphrase and salt to be derived again, so the
salt is printed alongside it.

Examples:
  dbvault keygen
  dbvault keygen --save vault.key
  dbvault keygen --passphrase --salt 6f1c9e...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.save, "save", "", "write the key to this file (must not exist)")
	cmd.Flags().BoolVar(&opts.passphrase, "passphrase", false, "derive the key from a passphrase read from the terminal")
	cmd.Flags().StringVar(&opts.salt, "salt", "", "hex salt for --passphrase (random when omitted)")

	return cmd
}

func runKeygen(cmd *cobra.Command, opts *keygenOptions) error {
	reporter, err := newReporter(cmd)
	if err != nil {
		return err
	}

	var key crypto.Key
	if opts.passphrase {
		passphrase, err := promptPassphrase(cmd)
		if err != nil {
			return err
		}
		salt, err := resolveSalt(opts.salt)
		if err != nil {
			return err
		}
		key, err = crypto.DeriveKey(passphrase, salt)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "salt %s\n", hex.EncodeToString(salt))
	} else {
		key, err = crypto.GenerateKey()
		if err != nil {
			return err
		}
	}

	if opts.save != "" {
		if err := saveKey(opts.save, key); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "key written to %s\n", opts.save)
	}

	reporter.PrintGeneratedKey(key)
	return nil
}

func resolveSalt(s string) ([]byte, error) {
	if s == "" {
		return crypto.NewSalt()
	}
	salt, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("--salt must be hex: %w", err)
	}
	return salt, nil
}

// promptPassphrase reads the passphrase twice from a terminal, or once from
// DBVAULT_PASSPHRASE
func promptPassphrase(cmd *cobra.Command) (string, error) {
	if p := os.Getenv("DBVAULT_PASSPHRASE"); p != "" {
		return p, nil
	}
	if !isInteractive(os.Stdin) {
		return "", errors.New("--passphrase needs a terminal or DBVAULT_PASSPHRASE")
	}

	first, err := readPassword(os.Stdin, cmd.ErrOrStderr(), "Passphrase: ")
	if err != nil {
		return "", err
	}
	second, err := readPassword(os.Stdin, cmd.ErrOrStderr(), "Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passphrases do not match")
	}
	return first, nil
}

// saveKey writes the encoded key to a new owner-only file
func saveKey(path string, key crypto.Key) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	if _, err := fmt.Fprintln(f, key.Encode()); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return f.Close()
}
