package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/devrev/ddbd/internal/config"
	"github.com/devrev/ddbd/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print the state of every table in the data directory",
	Long: `Replay the table logs found in the configured data directory and print the
serial, record count and hash of every table. Tables whose stored hash does
not match their log are flagged. The server must not be running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(resolveConfigPath())
		if err != nil {
			return err
		}
		layout, err := cfg.Layout()
		if err != nil {
			return err
		}
		if _, err := os.Stat(cfg.Storage.DataDir); err != nil {
			return fmt.Errorf("data directory: %w", err)
		}

		logger := zap.NewNop()
		logs, err := service.NewCommitLogService(&service.CommitLogConfig{}, layout, cfg.Storage.DataDir, logger)
		if err != nil {
			return err
		}
		defer logs.Close()

		reports, err := service.InspectTables(service.NewTableService(layout, logger), logs)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TABLE\tNAME\tSERIAL\tCHECKPOINT\tRECORDS\tLOG LINES\tHASH\tSTATUS")
		mismatched := 0
		for _, r := range reports {
			status := "ok"
			switch {
			case r.StoredHash == "":
				status = "no hash file"
			case !r.HashOK:
				status = "HASH MISMATCH"
				mismatched++
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
				r.ID, r.Name, r.Serial, r.CheckpointSerial, r.Records, r.LogLines, r.Hash, status)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if mismatched > 0 {
			return fmt.Errorf("%d table(s) failed the hash check", mismatched)
		}
		return nil
	},
}
