// Copyright 2025 go-distmm Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
	"k8s.io/klog/v2/textlogger"

	"github.com/ajroetker/go-distmm/dmm"
	"github.com/ajroetker/go-distmm/dmm/contrib/kernel"
)

// envOut names the environment variable holding the default output directory.
const envOut = "DISTMM_OUT"

func newRootCmd() *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:           "distmm",
		Short:         "Distributed dense square matrix multiplication",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log verbosity: info, debug, trace or a klog -v level")

	logger := func(cmd *cobra.Command) (logr.Logger, error) {
		return newLogger(cmd.ErrOrStderr(), logLevel)
	}
	root.AddCommand(
		newRunCmd(logger),
		newWorkerCmd(logger),
		newKernelsCmd(),
	)
	return root
}

// newLogger returns a klog text logger writing to w. Workers of a local
// group share it, so writes are serialized.
func newLogger(w io.Writer, level string) (logr.Logger, error) {
	v, err := verbosity(level)
	if err != nil {
		return logr.Discard(), err
	}
	cfg := textlogger.NewConfig(
		textlogger.Verbosity(v),
		textlogger.Output(&lockedWriter{w: w}),
	)
	return textlogger.NewLogger(cfg), nil
}

// verbosity maps a --log-level value to a klog V level.
func verbosity(level string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return 0, nil
	case "debug":
		return 1, nil
	case "trace":
		return 2, nil
	}
	v, err := strconv.Atoi(level)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("log level %q: want info, debug, trace or a verbosity >= 0", level)
	}
	return v, nil
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// runOptions are the flags shared by run and worker.
type runOptions struct {
	size       int
	kernel     string
	out        string
	gen        string
	seed       uint32
	transformA dmm.Affine
	transformB dmm.Affine
	print      bool
	verify     bool
	tolerance  float64
}

func (o *runOptions) addFlags(fs *pflag.FlagSet) {
	defaultOut := os.Getenv(envOut)
	if defaultOut == "" {
		defaultOut = "."
	}
	fs.IntVarP(&o.size, "size", "n", 4, "global matrix dimension N (rank 0's value is used)")
	fs.StringVar(&o.kernel, "kernel", "", "local product kernel: reference, blas or auto (default $"+kernel.EnvKernel+" or auto)")
	fs.StringVar(&o.out, "out", defaultOut, "directory for proc<rank>.out timing files; empty disables them (default $"+envOut+" or .)")
	fs.StringVar(&o.gen, "gen", "identity", "input generator: identity or random")
	fs.Uint32Var(&o.seed, "seed", 0, "seed for the random generator")
	fs.Float64Var(&o.transformA.Add, "add-a", 1, "value added to every element of A")
	fs.Float64Var(&o.transformA.Mul, "mul-a", 2, "factor applied to every element of A")
	fs.Float64Var(&o.transformB.Add, "add-b", 5, "value added to every element of B")
	fs.Float64Var(&o.transformB.Mul, "mul-b", 2, "factor applied to every element of B")
	fs.BoolVar(&o.print, "print", false, "print A, B and C from rank 0")
	fs.BoolVar(&o.verify, "verify", false, "check C against an undistributed product on rank 0")
	fs.Float64Var(&o.tolerance, "tolerance", 1e-6, "maximum absolute error accepted by --verify")
}

// config resolves the generators for a group of p workers. The kernel name
// is checked here but resolved inside dmm.Run, once rank 0's N is known, so
// that "auto" picks the same kernel on every worker.
func (o *runOptions) config(p int) (dmm.Config, error) {
	if _, err := kernel.Lookup(o.kernel, o.size, p); err != nil {
		return dmm.Config{}, err
	}
	genA, err := dmm.GeneratorByName(o.gen, o.seed)
	if err != nil {
		return dmm.Config{}, err
	}
	// B gets its own stream so that random A and B differ.
	genB, err := dmm.GeneratorByName(o.gen, o.seed+1)
	if err != nil {
		return dmm.Config{}, err
	}
	cfg := dmm.Config{
		N:          o.size,
		A:          genA,
		B:          genB,
		TransformA: o.transformA,
		TransformB: o.transformB,
		OutDir:     o.out,
	}
	cfg.SelectKernel = func(n, p int) (dmm.Multiplier, error) {
		return kernel.Lookup(o.kernel, n, p)
	}
	return cfg, nil
}

// runWorker runs the product on one worker, then gathers, prints and verifies
// on request. Gathers are collective, so every worker takes the same path.
func runWorker(ctx context.Context, c dmm.Communicator, cfg dmm.Config, o *runOptions, out io.Writer) error {
	logger := cfg.Logger
	ctx = klog.NewContext(ctx, logger)
	res, err := dmm.Run(ctx, c, cfg)
	if err != nil {
		return err
	}
	if res.TimingsErr == nil && res.TimingsPath != "" {
		logger.V(1).Info("timings written", "path", res.TimingsPath)
	}

	if o.print || o.verify {
		a, err := dmm.GatherRows(ctx, c, res.Partition, res.A)
		if err != nil {
			return err
		}
		b, err := dmm.GatherRows(ctx, c, res.Partition, res.B)
		if err != nil {
			return err
		}
		full, err := dmm.GatherRows(ctx, c, res.Partition, res.C)
		if err != nil {
			return err
		}
		if c.Rank() == 0 {
			if o.print {
				for _, m := range []struct {
					name string
					b    dmm.RowBlock
				}{{"A", a}, {"B", b}, {"C", full}} {
					fmt.Fprintln(out, m.name)
					if err := dmm.FormatMatrix(out, m.b); err != nil {
						return err
					}
				}
			}
			if o.verify {
				maxErr, err := dmm.Verify(a, b, full, o.tolerance)
				if err != nil {
					return err
				}
				logger.Info("verified", "max_error", maxErr)
			}
		}
	}

	if c.Rank() == 0 {
		pack, exchange, compute := res.Timings.Total()
		logger.Info("done",
			"n", res.Partition.N(),
			"workers", res.Partition.Size(),
			"kernel", res.Kernel.Name(),
			"elapsed", res.Elapsed,
			"pack_s", pack,
			"exchange_s", exchange,
			"compute_s", compute)
	}
	return nil
}
