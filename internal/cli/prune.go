package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sievemem/sieve/internal/pruner"
)

var (
	pruneSegment  string
	pruneDryRun   bool
	pruneMaxEdges int
	pruneBackup   bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Run one pruning job and wait for it",
	RunE:  runPrune,
}

func init() {
	pruneCmd.Flags().StringVar(&pruneSegment, "segment", "", "prune one segment only")
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "report without mutating the graph")
	pruneCmd.Flags().IntVar(&pruneMaxEdges, "max-edges", -1, "cap on edges to remove (-1 = unbounded)")
	pruneCmd.Flags().BoolVar(&pruneBackup, "backup", false, "take a verified vault backup first")
}

func runPrune(cmd *cobra.Command, args []string) error {
	v, closeDB, err := openVault()
	if err != nil {
		return err
	}
	defer closeDB()

	p := pruner.New(v, pruner.DefaultConfig())
	params := pruner.DefaultParameters()
	params.MaxEdgesToPrune = pruneMaxEdges

	resp, err := p.TriggerPruning(pruner.Request{
		Parameters:   &params,
		Filter:       pruner.Filter{Segment: pruneSegment},
		CreateBackup: pruneBackup,
		DryRun:       pruneDryRun,
		Synchronous:  true,
		Description:  "cli prune",
	})
	if err != nil {
		return err
	}

	job := resp.Status
	fmt.Printf("job %s: %s\n", resp.JobID, job.State)
	if job.Error != "" {
		return fmt.Errorf("pruning failed: %s", job.Error)
	}
	verb := "pruned"
	if pruneDryRun {
		verb = "would prune"
	}
	fmt.Printf("%s %d edges (%.4f total weight)\n", verb, job.EdgesPruned, job.WeightPruned)
	if job.BackupID != "" {
		fmt.Printf("rollback snapshot: %s\n", job.BackupID)
	}
	return nil
}
