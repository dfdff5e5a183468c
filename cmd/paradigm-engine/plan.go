package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/paradigm-network/paradigm-engine/data"
	"github.com/paradigm-network/paradigm-engine/engine"
	"github.com/paradigm-network/paradigm-engine/state"
)

func newPlanCommand() *cobra.Command {
	var (
		file      string
		workers   int
		readWrite bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the execution waves of a JSON transaction batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var in io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			raw, err := io.ReadAll(in)
			if err != nil {
				return err
			}
			txs, err := data.ParseTransactionsJSON(raw)
			if err != nil {
				return err
			}

			cfg := engine.DefaultConfig()
			cfg.MaxWorkerThreads = workers
			cfg.EnableReadWriteAnalysis = readWrite
			e := engine.New(cfg, state.NewMemState())
			defer e.Close()

			plan, err := e.Plan(cmd.Context(), txs)
			if err != nil {
				return fmt.Errorf("plan: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(plan)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON array of transactions, - for stdin")
	cmd.Flags().IntVar(&workers, "workers", engine.DefaultConfig().MaxWorkerThreads, "Analysis workers")
	cmd.Flags().BoolVar(&readWrite, "read-write-analysis", true, "Include access lists in conflict analysis")
	return cmd
}
