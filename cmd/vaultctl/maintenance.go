package main

import (
	"errors"

	"github.com/spf13/cobra"

	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/envelope"
	"phoenixvault.io/internal/vault"
)

func newKeypairCmd() *cobra.Command {
	var (
		privateOut string
		publicOut  string
		overwrite  bool
	)
	cmd := &cobra.Command{
		Use:   "generate-rsa-keypair",
		Short: "Generate an RSA key pair for asymmetric envelope encryption",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := envelope.WriteKeyPair(privateOut, publicOut, overwrite); err != nil {
				return err
			}
			success(cmd, "private key written: %s", privateOut)
			success(cmd, "public key written: %s", publicOut)
			info(cmd, "set ASYMMETRIC_PUBLIC_KEY_PATH and ASYMMETRIC_PRIVATE_KEY_PATH in .env")
			return nil
		},
	}
	cmd.Flags().StringVar(&privateOut, "private-out", "keys/private_key.pem", "path of the private key PEM")
	cmd.Flags().StringVar(&publicOut, "public-out", "keys/public_key.pem", "path of the public key PEM")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace existing key files")
	return cmd
}

// maintenanceService builds a vault service over the Postgres store for
// jobs that run outside any actor.
func maintenanceService(flags *globalFlags) (*vault.Vault, func(), error) {
	store, err := flags.openStore()
	if err != nil {
		return nil, nil, err
	}
	resolver, err := auth.NewResolver(store)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	svc, err := vault.NewService(store, resolver)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return svc, func() { _ = store.Close() }, nil
}

func newRotateCmd(flags *globalFlags) *cobra.Command {
	var (
		batchSize int
		dryRun    bool
		noVersion bool
	)
	cmd := &cobra.Command{
		Use:   "rotate-credential-encryption",
		Short: "Re-encrypt every credential password with the current keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if batchSize < 1 {
				batchSize = 1
			}
			svc, closeFn, err := maintenanceService(flags)
			if err != nil {
				return err
			}
			defer closeFn()

			report, err := svc.RotateEncryption(cmd.Context(), batchSize, dryRun, !noVersion)
			if err != nil {
				return err
			}
			info(cmd, "found credentials: %d", report.Scanned)
			if dryRun {
				warn(cmd, "dry-run mode enabled, no changes were saved")
				return nil
			}
			success(cmd, "rotation complete, rotated %d credentials", report.Rotated)
			return nil
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 200, "credentials per batch")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "count credentials without saving")
	cmd.Flags().BoolVar(&noVersion, "no-version", false, "do not record rotate versions")
	return cmd
}

func newCleanupCmd(flags *globalFlags) *cobra.Command {
	var auditDays int
	cmd := &cobra.Command{
		Use:   "cleanup-expired-security-data",
		Short: "Delete expired login challenges and old audit rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if auditDays < 0 {
				return errors.New("--audit-days must not be negative")
			}
			svc, closeFn, err := maintenanceService(flags)
			if err != nil {
				return err
			}
			defer closeFn()

			report, err := svc.CleanupExpiredSecurityData(cmd.Context(), auditDays)
			if err != nil {
				return err
			}
			info(cmd, "deleted login challenge rows: %d", report.Challenges)
			if auditDays > 0 {
				info(cmd, "deleted audit rows: %d", report.AuditRows)
			} else {
				info(cmd, "audit cleanup skipped")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&auditDays, "audit-days", 180, "delete audit rows older than this many days; 0 skips")
	return cmd
}
