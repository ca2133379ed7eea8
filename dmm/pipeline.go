// Copyright 2025 go-distmm Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dmm implements a distributed dense matrix multiplication C = A * B
// for square N x N matrices over a fixed group of P workers.
//
// Every worker owns a contiguous horizontal slice (a RowBlock) of A, B and C.
// The product runs in P owner steps. In step o each worker packs the columns
// of its B rows that worker o owns in the column-partitioned view of B, the
// group all-gathers the packed pieces into a full-height column block, and
// each worker multiplies its A rows by that block into columns
// [Offsets[o], Offsets[o]+Splits[o]) of its C rows.
//
// The group is abstracted by Communicator; see package
// github.com/ajroetker/go-distmm/dmm/contrib/comm for in-process and gRPC
// implementations, and github.com/ajroetker/go-distmm/dmm/contrib/kernel for
// the local product kernels.
package dmm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2"
)

// ErrRowMismatch is returned when the local blocks of A and B disagree on
// their shape. Every worker derives the shapes from the same partition, so
// all workers detect it together and none enters the exchange loop.
var ErrRowMismatch = errors.New("dmm: row block mismatch")

// Config controls one distributed multiplication.
type Config struct {
	// N is the global dimension. Only rank 0's value is used; it is
	// broadcast to the group before anything else happens.
	N int

	// A and B generate the local row blocks of the two inputs.
	A, B Generator

	// TransformA and TransformB are applied to the generated blocks.
	TransformA, TransformB Affine

	// Kernel computes each owner step's local product. If it is nil,
	// SelectKernel is called with the broadcast dimension and group size.
	Kernel Multiplier

	// SelectKernel picks the kernel once N is known on every worker.
	SelectKernel func(n, p int) (Multiplier, error)

	// OutDir receives proc<rank>.out. Empty disables the file.
	OutDir string

	// Logger is optional; the zero value falls back to klog.FromContext.
	// V(1) reports setup, V(2) every owner step.
	Logger logr.Logger
}

// DefaultConfig returns identity inputs transformed with (add=1, mul=2) and
// (add=5, mul=2).
func DefaultConfig(n int, kernel Multiplier) Config {
	return Config{
		N:          n,
		A:          Identity{},
		B:          Identity{},
		TransformA: Affine{Add: 1, Mul: 2},
		TransformB: Affine{Add: 5, Mul: 2},
		Kernel:     kernel,
	}
}

func (cfg *Config) logger(ctx context.Context) logr.Logger {
	if cfg.Logger.GetSink() != nil {
		return cfg.Logger
	}
	return klog.FromContext(ctx)
}

// Result is one worker's share of the product.
type Result struct {
	Rank      int
	Partition *Partition

	// Kernel is the kernel that computed C.
	Kernel Multiplier

	// A and B are the transformed local input blocks, C the local output.
	A, B, C RowBlock

	Timings Timings

	// Elapsed is the barrier-to-barrier wall time of the exchange loop.
	Elapsed time.Duration

	// TimingsPath is where Timings was written, if OutDir was set.
	// TimingsErr reports a failure to write it; the product is still valid.
	TimingsPath string
	TimingsErr  error
}

// Run executes the distributed product on worker c.
//
// Every worker of the group must call Run with an equivalent Config. Run
// blocks in collective calls until all workers reach them.
func Run(ctx context.Context, c Communicator, cfg Config) (*Result, error) {
	if cfg.Kernel == nil && cfg.SelectKernel == nil {
		return nil, errors.New("dmm: no kernel configured")
	}
	if cfg.A == nil || cfg.B == nil {
		return nil, errors.New("dmm: no generator configured")
	}
	rank := c.Rank()
	logger := cfg.logger(ctx)

	n, err := BroadcastInt(ctx, c, 0, cfg.N)
	if err != nil {
		return nil, fmt.Errorf("broadcast dimension: %w", err)
	}
	part, err := NewPartition(n, c.Size())
	if err != nil {
		return nil, err
	}
	kern := cfg.Kernel
	if kern == nil {
		if kern, err = cfg.SelectKernel(n, part.Size()); err != nil {
			return nil, fmt.Errorf("select kernel: %w", err)
		}
	}

	a, err := cfg.A.Generate(rank, part)
	if err != nil {
		return nil, fmt.Errorf("generate A: %w", err)
	}
	b, err := cfg.B.Generate(rank, part)
	if err != nil {
		return nil, fmt.Errorf("generate B: %w", err)
	}
	if a.Rows != b.Rows || a.Rows != part.Rows(rank) {
		return nil, fmt.Errorf("%w: A has %d rows, B has %d rows, partition assigns %d",
			ErrRowMismatch, a.Rows, b.Rows, part.Rows(rank))
	}
	a = cfg.TransformA.Apply(a)
	b = cfg.TransformB.Apply(b)

	logger.V(1).Info("setup done",
		"partition", part.String(),
		"rows", a.Rows,
		"kernel", kern.Name())

	res := &Result{
		Rank:      rank,
		Partition: part,
		Kernel:    kern,
		A:         a,
		B:         b,
		C: RowBlock{
			Data:   make([]float64, a.Rows*n),
			Rows:   a.Rows,
			N:      n,
			Offset: a.Offset,
		},
		Timings: newTimings(part.Size()),
	}

	ex, err := NewExchanger(c, part, b)
	if err != nil {
		return nil, err
	}
	defer ex.Release()

	if err := c.Barrier(ctx); err != nil {
		return nil, fmt.Errorf("barrier before loop: %w", err)
	}
	start := time.Now()

	for o := range part.Size() {
		t0 := time.Now()
		if err := ex.Pack(o); err != nil {
			return nil, err
		}
		t1 := time.Now()
		block, err := ex.Exchange(ctx, o)
		if err != nil {
			return nil, err
		}
		t2 := time.Now()
		kern.MulBlock(a.Data, block, res.C.Data[part.Offsets[o]:], Block{
			Rows:   a.Rows,
			K:      n,
			Cols:   part.Splits[o],
			LDC:    n,
			Splits: part.Splits,
		})
		t3 := time.Now()

		res.Timings.record(t1.Sub(t0), t2.Sub(t1), t3.Sub(t2))
		logger.V(2).Info("owner step",
			"owner", o,
			"pack", t1.Sub(t0),
			"exchange", t2.Sub(t1),
			"compute", t3.Sub(t2))
	}

	if err := c.Barrier(ctx); err != nil {
		return nil, fmt.Errorf("barrier after loop: %w", err)
	}
	res.Elapsed = time.Since(start)
	ex.Release()

	if cfg.OutDir != "" {
		res.TimingsPath, res.TimingsErr = res.Timings.WriteFile(cfg.OutDir, rank)
		if res.TimingsErr != nil {
			logger.Error(res.TimingsErr, "timings not written", "path", res.TimingsPath)
		}
	}
	return res, nil
}
