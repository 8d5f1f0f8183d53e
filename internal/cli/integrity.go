package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sievemem/sieve/internal/store"
	"github.com/sievemem/sieve/internal/vault"
)

var (
	integrityDeep    bool
	integrityFix     bool
	integritySegment string
	integrityKey     string
)

var integrityCmd = &cobra.Command{
	Use:   "integrity",
	Short: "Scan the vault for structural problems",
	RunE:  runIntegrity,
}

func init() {
	integrityCmd.Flags().BoolVar(&integrityDeep, "deep", false, "verify payload checksums and graph bounds")
	integrityCmd.Flags().BoolVar(&integrityFix, "fix", false, "repair non-destructive findings")
	integrityCmd.Flags().StringVar(&integritySegment, "segment", "", "limit the scan to one vault segment")
	integrityCmd.Flags().StringVar(&integrityKey, "key", "", "encryption key for deep payload checks")
}

func openVault() (*vault.Vault, func(), error) {
	dbPath, err := store.DefaultDBPath()
	if err != nil {
		return nil, nil, fmt.Errorf("resolve db path: %w", err)
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return vault.New(db), func() { db.Close() }, nil
}

func runIntegrity(cmd *cobra.Command, args []string) error {
	v, closeDB, err := openVault()
	if err != nil {
		return err
	}
	defer closeDB()

	result, err := v.CheckIntegrity(vault.IntegrityRequest{
		Deep:          integrityDeep,
		AutoFix:       integrityFix,
		Filter:        store.RecordFilter{Segment: integritySegment},
		EncryptionKey: integrityKey,
	})
	if err != nil {
		return err
	}

	fmt.Printf("checked %d records, integrity score %.3f\n", result.RecordsChecked, result.Score)
	for _, issue := range result.Issues {
		status := ""
		if issue.Fixed {
			status = " (fixed)"
		}
		fmt.Fprintf(os.Stderr, "  [%s] %s %s: %s%s\n", issue.Severity, issue.Type, issue.AffectedID, issue.Detail, status)
	}
	if len(result.Issues) == 0 {
		fmt.Println("no issues found")
	}
	return nil
}
