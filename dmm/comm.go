// Copyright 2025 go-distmm Authors. SPDX-License-Identifier: Apache-2.0

package dmm

import (
	"context"
	"fmt"
	"math"
)

// Communicator is one worker's handle on a fixed group of Size() workers.
//
// Collectives are matched by call order: every worker must issue the same
// sequence of collective calls. A worker that skips or reorders a call
// leaves its peers blocked; this is not detected.
type Communicator interface {
	Rank() int
	Size() int

	// AllGatherv contributes send (len(send) == counts[Rank()]) and fills
	// recv with every worker's contribution concatenated in rank order;
	// worker r's chunk lands at sum(counts[:r]). It returns only after
	// every worker has contributed.
	AllGatherv(ctx context.Context, send, recv []float64, counts []int) error

	// Barrier returns once every worker has entered it.
	Barrier(ctx context.Context) error
}

// BroadcastInt returns root's value of v on every worker.
func BroadcastInt(ctx context.Context, c Communicator, root, v int) (int, error) {
	size := c.Size()
	if root < 0 || root >= size {
		return 0, fmt.Errorf("dmm: broadcast root %d out of range [0, %d)", root, size)
	}
	counts := make([]int, size)
	for i := range counts {
		counts[i] = 1
	}
	recv := make([]float64, size)
	if err := c.AllGatherv(ctx, []float64{float64(v)}, recv, counts); err != nil {
		return 0, fmt.Errorf("broadcast: %w", err)
	}
	got := recv[root]
	if got != math.Trunc(got) || math.Abs(got) > 1<<53 {
		return 0, fmt.Errorf("dmm: broadcast value %v is not an integer", got)
	}
	return int(got), nil
}
