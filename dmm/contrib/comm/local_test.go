// Copyright 2025 go-distmm Authors. SPDX-License-Identifier: Apache-2.0

package comm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestLocalAllGatherv has every rank contribute rank+1 copies of its rank
// and checks the rank-ordered concatenation on every worker.
func TestLocalAllGatherv(t *testing.T) {
	for _, size := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			counts := make([]int, size)
			total := 0
			for r := range counts {
				counts[r] = r + 1
				total += r + 1
			}
			var want []float64
			for r := range size {
				for range r + 1 {
					want = append(want, float64(r))
				}
			}

			err := RunLocal(context.Background(), size, func(ctx context.Context, c *Local) error {
				send := make([]float64, c.Rank()+1)
				for i := range send {
					send[i] = float64(c.Rank())
				}
				recv := make([]float64, total)
				// Several rounds in a row exercise round matching.
				for range 3 {
					if err := c.AllGatherv(ctx, send, recv, counts); err != nil {
						return err
					}
					for i := range want {
						if recv[i] != want[i] {
							return fmt.Errorf("rank %d: recv[%d] = %v, want %v", c.Rank(), i, recv[i], want[i])
						}
					}
				}
				return nil
			})
			require.NoError(t, err)
		})
	}
}

// TestLocalBarrier checks that no worker leaves the barrier before every
// worker has entered it.
func TestLocalBarrier(t *testing.T) {
	const size = 4
	var entered atomic.Int32
	err := RunLocal(context.Background(), size, func(ctx context.Context, c *Local) error {
		if c.Rank() == size-1 {
			time.Sleep(20 * time.Millisecond)
		}
		entered.Add(1)
		if err := c.Barrier(ctx); err != nil {
			return err
		}
		if n := entered.Load(); n != size {
			return fmt.Errorf("rank %d left the barrier with %d workers entered", c.Rank(), n)
		}
		return nil
	})
	require.NoError(t, err)
}

// TestLocalSendBufferReuse checks that overwriting the send buffer right
// after the call does not change what slower peers receive.
func TestLocalSendBufferReuse(t *testing.T) {
	err := RunLocal(context.Background(), 3, func(ctx context.Context, c *Local) error {
		counts := []int{1, 1, 1}
		send := []float64{float64(10 + c.Rank())}
		recv := make([]float64, 3)
		if err := c.AllGatherv(ctx, send, recv, counts); err != nil {
			return err
		}
		send[0] = -1
		if c.Rank() != 0 {
			time.Sleep(5 * time.Millisecond)
		}
		for r, v := range recv {
			if v != float64(10+r) {
				return fmt.Errorf("rank %d: recv[%d] = %v", c.Rank(), r, v)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestLocalSizeMismatch(t *testing.T) {
	group, err := NewLocalGroup(2)
	require.NoError(t, err)

	recv := make([]float64, 4)
	err = group[0].AllGatherv(context.Background(), []float64{1}, recv, []int{2, 2})
	require.ErrorIs(t, err, ErrSizeMismatch)

	err = group[0].AllGatherv(context.Background(), []float64{1, 2}, recv[:3], []int{2, 2})
	require.ErrorIs(t, err, ErrSizeMismatch)

	err = group[0].AllGatherv(context.Background(), []float64{1, 2}, recv, []int{2})
	require.ErrorIs(t, err, ErrSizeMismatch)
}

// TestRunLocalCancelsPeers checks that a failing worker releases peers that
// are blocked waiting for it.
func TestRunLocalCancelsPeers(t *testing.T) {
	boom := errors.New("boom")
	done := make(chan error, 1)
	go func() {
		done <- RunLocal(context.Background(), 3, func(ctx context.Context, c *Local) error {
			if c.Rank() == 1 {
				return boom
			}
			return c.Barrier(ctx)
		})
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("peers stayed blocked after a worker failed")
	}
}

func TestLocalClose(t *testing.T) {
	group, err := NewLocalGroup(2)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- group[0].Barrier(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, group[1].Close())

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not release the barrier")
	}
	require.ErrorIs(t, group[1].Barrier(context.Background()), ErrClosed)
}

func TestNewLocalGroupInvalid(t *testing.T) {
	_, err := NewLocalGroup(0)
	require.Error(t, err)
}
