// Copyright 2025 go-distmm Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/ajroetker/go-distmm/dmm/contrib/comm"
)

func newWorkerCmd(newLogger func(*cobra.Command) (logr.Logger, error)) *cobra.Command {
	var (
		opts  runOptions
		rank  int
		procs int
		hub   string
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run one worker; rank 0 also hosts the gRPC hub",
		Long: `Run one worker of a multi-process group. Start one process per rank
with the same --procs and --hub. Rank 0 listens on --hub; the other
ranks wait for it to come up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd)
			if err != nil {
				return err
			}
			cfg, err := opts.config(procs)
			if err != nil {
				return err
			}
			cfg.Logger = logger.WithValues("rank", rank)

			w, err := comm.Join(hub, rank, procs)
			if err != nil {
				return err
			}
			cfg.Logger.V(1).Info("joined group", "hub", hub, "workers", procs)

			ctx := cmd.Context()
			runErr := runWorker(ctx, w, cfg, &opts, cmd.OutOrStdout())
			if runErr != nil {
				// Peers are stuck in a collective this worker will never
				// reach; the closing barrier would block forever.
				return runErr
			}
			return w.Close(ctx)
		},
	}
	opts.addFlags(cmd.Flags())
	cmd.Flags().IntVar(&rank, "rank", 0, "this worker's rank in [0, procs)")
	cmd.Flags().IntVarP(&procs, "procs", "p", 2, "number of workers")
	cmd.Flags().StringVar(&hub, "hub", "localhost:7470", "hub address; rank 0 listens here")
	return cmd
}
