// Copyright 2025 go-distmm Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/ajroetker/go-distmm/dmm/contrib/comm"
)

func newRunCmd(newLogger func(*cobra.Command) (logr.Logger, error)) *cobra.Command {
	var (
		opts  runOptions
		procs int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every worker as a goroutine of this process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd)
			if err != nil {
				return err
			}
			cfg, err := opts.config(procs)
			if err != nil {
				return err
			}
			logger.V(1).Info("starting local group", "workers", procs, "kernel", opts.kernel)

			out := cmd.OutOrStdout()
			return comm.RunLocal(cmd.Context(), procs, func(ctx context.Context, c *comm.Local) error {
				wcfg := cfg
				wcfg.Logger = logger.WithValues("rank", c.Rank())
				return runWorker(ctx, c, wcfg, &opts, out)
			})
		},
	}
	opts.addFlags(cmd.Flags())
	cmd.Flags().IntVarP(&procs, "procs", "p", 2, "number of workers")
	return cmd
}
