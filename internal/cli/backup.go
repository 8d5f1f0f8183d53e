package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sievemem/sieve/internal/vault"
)

var (
	backupSegment  string
	backupCompress bool
	backupVerify   bool
	backupKey      string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Copy vault records into the backup ledger",
	RunE:  runBackup,
}

func init() {
	backupCmd.Flags().StringVar(&backupSegment, "segment", "", "back up one segment only")
	backupCmd.Flags().BoolVar(&backupCompress, "compress", true, "gzip payloads")
	backupCmd.Flags().BoolVar(&backupVerify, "verify", true, "re-read and checksum the copies")
	backupCmd.Flags().StringVar(&backupKey, "key", "", "seal the backup with this key")
}

func runBackup(cmd *cobra.Command, args []string) error {
	v, closeDB, err := openVault()
	if err != nil {
		return err
	}
	defer closeDB()

	result, err := v.BackupVault(cmd.Context(), vault.BackupRequest{
		Segment:       backupSegment,
		Compress:      backupCompress,
		EncryptionKey: backupKey,
		Verify:        backupVerify,
	})
	if err != nil {
		return err
	}

	fmt.Printf("backup %s: %d records, checksum %s", result.BackupID, result.RecordCount, result.Checksum)
	if result.Verified {
		fmt.Print(" (verified)")
	}
	fmt.Println()
	return nil
}

var (
	restoreBackupID  string
	restoreOverwrite bool
	restoreKey       string
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Replay a backup into the vault",
	RunE:  runRestore,
}

func init() {
	restoreCmd.Flags().StringVar(&restoreBackupID, "backup-id", "", "backup to replay (required)")
	restoreCmd.Flags().BoolVar(&restoreOverwrite, "overwrite", false, "replace episodes that already exist")
	restoreCmd.Flags().StringVar(&restoreKey, "key", "", "key the backup was sealed with")
	restoreCmd.MarkFlagRequired("backup-id")
}

func runRestore(cmd *cobra.Command, args []string) error {
	v, closeDB, err := openVault()
	if err != nil {
		return err
	}
	defer closeDB()

	result, err := v.RestoreVault(cmd.Context(), vault.RestoreRequest{
		BackupID:      restoreBackupID,
		Overwrite:     restoreOverwrite,
		EncryptionKey: restoreKey,
	})
	if err != nil {
		return err
	}

	fmt.Printf("restored %d, skipped %d, failed %d\n", result.Restored, result.Skipped, result.Failed)
	return nil
}
