package cmd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"dbvault/internal/backup"
	"dbvault/internal/confirmation"
	"dbvault/internal/crypto"
	appErrors "dbvault/internal/errors"

	"github.com/spf13/cobra"
)

type decryptOptions struct {
	file       string
	key        string
	keyFile    string
	passphrase bool
	salt       string
	output     string
	decompress bool
	yes        bool
}

func newDecryptCommand() *cobra.Command {
	opts := &decryptOptions{}

	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt (and optionally decompress) a backup artifact",
		Long: `Decrypt an artifact produced with --encrypt. The plaintext is written next
to the artifact without its .enc suffix unless --output is given. Nothing is
written when the key is wrong or the file was modified.

Examples:
  dbvault decrypt --file orders.dump.gz.enc --key Q2x...
  dbvault decrypt --file orders.dump.gz.enc --key-file vault.key --decompress
  dbvault decrypt --file orders.dump.gz.enc --passphrase --salt 6f1c9e...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecrypt(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "encrypted artifact")
	cmd.Flags().StringVar(&opts.key, "key", "", "decryption key")
	cmd.Flags().StringVar(&opts.keyFile, "key-file", "", "read the key from a file")
	cmd.Flags().BoolVar(&opts.passphrase, "passphrase", false, "derive the key from a passphrase")
	cmd.Flags().StringVar(&opts.salt, "salt", "", "hex salt used when the key was derived")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "plaintext path (default: file without .enc)")
	cmd.Flags().BoolVar(&opts.decompress, "decompress", false, "also decompress the decrypted file")
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "overwrite existing files without asking")

	cmd.MarkFlagRequired("file")
	cmd.MarkFlagsMutuallyExclusive("key", "key-file", "passphrase")

	return cmd
}

func runDecrypt(cmd *cobra.Command, opts *decryptOptions) error {
	logger := commandLogger()

	reporter, err := newReporter(cmd)
	if err != nil {
		return err
	}

	key, err := resolveDecryptKey(cmd, opts)
	if err != nil {
		return err
	}

	dst := opts.output
	if dst == "" {
		dst = crypto.DecryptedPath(opts.file)
	}

	confirm := confirmation.NewConfirmationService(cmd.InOrStdin(), cmd.ErrOrStderr(), isInteractive(os.Stdin), !noColor)
	if err := confirmOverwrite(confirm, dst, opts.yes); err != nil {
		return err
	}

	plain, err := crypto.DecryptFileTo(opts.file, dst, key)
	if err != nil {
		return err
	}
	logger.WithFields(map[string]interface{}{
		"file":            opts.file,
		"output":          plain,
		"key_fingerprint": key.Fingerprint(),
	}).Debug("Artifact decrypted")

	if !opts.decompress {
		reporter.Success("decrypted to %s", plain)
		return nil
	}

	manager := backup.NewCompressionManager()
	compressor, ok := manager.ForPath(plain)
	if !ok {
		reporter.Warn("decrypted to %s, but no codec matches its extension", plain)
		return nil
	}

	raw := strings.TrimSuffix(plain, compressor.Extension())
	if err := confirmOverwrite(confirm, raw, opts.yes); err != nil {
		return err
	}
	n, err := manager.DecompressFile(plain, raw)
	if err != nil {
		return err
	}
	if err := os.Remove(plain); err != nil {
		logger.WithField("error", err.Error()).Warn("Failed to remove intermediate compressed file")
	}

	reporter.Success("decrypted and decompressed to %s (%d bytes)", raw, n)
	return nil
}

// confirmOverwrite asks before replacing an existing file
func confirmOverwrite(confirm confirmation.ConfirmationService, path string, autoApprove bool) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	ok, err := confirm.Confirm(fmt.Sprintf("%s already exists. Overwrite?", path), autoApprove)
	if errors.Is(err, confirmation.ErrNotInteractive) {
		return fmt.Errorf("%s already exists; pass --yes to overwrite", path)
	}
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("refusing to overwrite %s", path)
	}
	return nil
}

func resolveDecryptKey(cmd *cobra.Command, opts *decryptOptions) (crypto.Key, error) {
	switch {
	case opts.passphrase:
		if opts.salt == "" {
			return crypto.Key{}, errors.New("--passphrase requires the --salt printed by keygen")
		}
		salt, err := hex.DecodeString(opts.salt)
		if err != nil {
			return crypto.Key{}, fmt.Errorf("--salt must be hex: %w", err)
		}
		passphrase, err := promptPassphrase(cmd)
		if err != nil {
			return crypto.Key{}, err
		}
		return crypto.DeriveKey(passphrase, salt)

	case opts.keyFile != "":
		data, err := os.ReadFile(opts.keyFile)
		if err != nil {
			return crypto.Key{}, appErrors.WrapError(err, "failed to read key file "+opts.keyFile)
		}
		return crypto.ParseKey(strings.TrimSpace(string(data)))

	case opts.key != "":
		return crypto.ParseKey(opts.key)
	}
	return crypto.Key{}, errors.New("one of --key, --key-file or --passphrase is required")
}
