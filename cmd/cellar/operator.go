package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/keeperhq/cellar/pkg/client"
	"github.com/spf13/cobra"
)

func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("addr")
	return client.New(addr)
}

func init() {
	for _, cmd := range []*cobra.Command{statusCmd, snapshotCmd, pruneCmd, jobListCmd, jobCancelCmd} {
		cmd.Flags().String("addr", "127.0.0.1:8618", "Daemon API address")
	}
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobCancelCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pools, datasets, and replication state",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := apiClient(cmd).Status()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "POOL\tHEALTH\tFREE")
		for _, pool := range status.Pools {
			fmt.Fprintf(w, "%s\t%s\t%s\n", pool.Name, pool.Health, formatBytes(pool.FreeBytes))
		}
		fmt.Fprintln(w)

		fmt.Fprintln(w, "DATASET\tSNAPSHOTS\tNEXT DUE\tLAST ERROR")
		for _, ds := range status.Datasets {
			due := "-"
			if !ds.NextDue.IsZero() {
				due = ds.NextDue.Format("2006-01-02 15:04:05")
			}
			lastErr := ds.LastError
			if lastErr == "" {
				lastErr = "-"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", ds.Name, ds.SnapshotCount, due, lastErr)
			for _, target := range ds.Targets {
				state := string(target.State)
				if state == "" {
					state = "idle"
				}
				fmt.Fprintf(w, "  -> %s\t%s\tverified gen %d\t%s\n",
					target.PoolID, state, target.Verified, formatBytes(target.BytesSent))
			}
		}
		return w.Flush()
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot DATASET",
	Short: "Take an immediate snapshot of a dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snapshot, err := apiClient(cmd).Snapshot(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Created snapshot generation %d of %s\n", snapshot.Generation, args[0])
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune DATASET",
	Short: "Run a retention pass on a dataset now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).Prune(args[0]); err != nil {
			return err
		}
		fmt.Printf("Pruned %s\n", args[0])
		return nil
	},
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and control transfer jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List transfer jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := apiClient(cmd).Jobs()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDATASET\tGEN\tTARGET\tSTATE\tRETRIES\tSENT")
		for _, job := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\t%s\n",
				job.ID, job.DatasetID, job.Generation, job.PoolID,
				job.State, job.Retries, formatBytes(job.BytesSent))
		}
		return w.Flush()
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel JOB_ID",
	Short: "Cancel a transfer job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).CancelJob(args[0]); err != nil {
			return err
		}
		fmt.Printf("Cancelled job %s\n", args[0])
		return nil
	},
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
