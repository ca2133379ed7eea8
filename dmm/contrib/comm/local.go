// Copyright 2025 go-distmm Authors. SPDX-License-Identifier: Apache-2.0

package comm

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Local is one worker of an in-process group. Each worker must be driven by
// its own goroutine; a Local is not safe for concurrent use.
type Local struct {
	rank int
	hub  *hub
	seq  uint64
}

// NewLocalGroup returns the size workers of a new in-process group,
// indexed by rank.
func NewLocalGroup(size int) ([]*Local, error) {
	if size <= 0 {
		return nil, fmt.Errorf("comm: group size %d", size)
	}
	h := newHub(size)
	group := make([]*Local, size)
	for r := range group {
		group[r] = &Local{rank: r, hub: h}
	}
	return group, nil
}

// Rank returns the worker's rank.
func (l *Local) Rank() int { return l.rank }

// Size returns the number of workers in the group.
func (l *Local) Size() int { return l.hub.size }

// AllGatherv implements dmm.Communicator.
func (l *Local) AllGatherv(ctx context.Context, send, recv []float64, counts []int) error {
	if err := checkCounts(l.rank, l.hub.size, send, recv, counts); err != nil {
		return err
	}
	chunks, err := l.next(ctx, send)
	if err != nil {
		return err
	}
	return scatter(chunks, recv, counts)
}

// Barrier implements dmm.Communicator.
func (l *Local) Barrier(ctx context.Context) error {
	_, err := l.next(ctx, nil)
	return err
}

func (l *Local) next(ctx context.Context, data []float64) ([][]float64, error) {
	seq := l.seq
	l.seq++
	return l.hub.gather(ctx, seq, l.rank, data)
}

// Close shuts the whole group down; workers blocked in a collective return
// ErrClosed.
func (l *Local) Close() error {
	l.hub.close()
	return nil
}

// RunLocal runs fn once per rank of a new in-process group of size workers,
// each in its own goroutine, and waits for all of them.
//
// If any worker returns an error the context passed to the others is
// cancelled, so peers blocked in a collective return instead of waiting for
// a worker that will never arrive. The first error is returned.
func RunLocal(ctx context.Context, size int, fn func(ctx context.Context, c *Local) error) error {
	group, err := NewLocalGroup(size)
	if err != nil {
		return err
	}
	defer group[0].Close()

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range group {
		g.Go(func() error {
			if err := fn(ctx, c); err != nil {
				return fmt.Errorf("rank %d: %w", c.Rank(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
