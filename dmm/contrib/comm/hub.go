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

// Package comm provides worker groups for the distributed multiplication:
// Local runs every worker as a goroutine of one process, Remote runs one
// worker per process and meets the others at a gRPC hub hosted by rank 0.
//
// Both are built on the same rendezvous: the k-th collective call of every
// worker joins round k, and no caller leaves round k before all workers have
// contributed to it.
package comm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrClosed is returned by collectives on a closed group.
	ErrClosed = errors.New("comm: group closed")

	// ErrSizeMismatch is returned when a contribution does not match the
	// declared counts.
	ErrSizeMismatch = errors.New("comm: contribution size mismatch")
)

// round is one collective call. chunks is immutable once ready is closed.
type round struct {
	chunks  [][]float64
	arrived int
	pending int
	ready   chan struct{}
}

// hub matches the collective calls of a fixed number of workers.
type hub struct {
	size int

	mu     sync.Mutex
	rounds map[uint64]*round
	closed chan struct{}
	once   sync.Once
}

func newHub(size int) *hub {
	return &hub{
		size:   size,
		rounds: make(map[uint64]*round),
		closed: make(chan struct{}),
	}
}

// gather contributes data as rank's chunk of round seq and returns all chunks
// in rank order once every worker has contributed. data is copied, so the
// caller may reuse it as soon as gather returns.
func (h *hub) gather(ctx context.Context, seq uint64, rank int, data []float64) ([][]float64, error) {
	if rank < 0 || rank >= h.size {
		return nil, fmt.Errorf("comm: rank %d out of range [0, %d)", rank, h.size)
	}

	h.mu.Lock()
	select {
	case <-h.closed:
		h.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	r, ok := h.rounds[seq]
	if !ok {
		r = &round{
			chunks:  make([][]float64, h.size),
			pending: h.size,
			ready:   make(chan struct{}),
		}
		h.rounds[seq] = r
	}
	if r.chunks[rank] != nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("comm: rank %d joined round %d twice", rank, seq)
	}
	r.chunks[rank] = slices.Clone(data)
	if r.chunks[rank] == nil {
		r.chunks[rank] = []float64{}
	}
	r.arrived++
	if r.arrived == h.size {
		close(r.ready)
	}
	h.mu.Unlock()
	defer h.leave(seq, r)

	select {
	case <-r.ready:
		return r.chunks, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.closed:
		return nil, ErrClosed
	}
}

// leave drops the round once its last caller has returned. A caller that
// gave up early still counts; its chunk stays for the others.
func (h *hub) leave(seq uint64, r *round) {
	h.mu.Lock()
	r.pending--
	if r.pending == 0 {
		delete(h.rounds, seq)
	}
	h.mu.Unlock()
}

// close wakes every waiter with ErrClosed.
func (h *hub) close() {
	h.once.Do(func() { close(h.closed) })
}

// scatter copies chunks into recv at their rank-ordered displacements after
// checking each against counts.
func scatter(chunks [][]float64, recv []float64, counts []int) error {
	if len(chunks) != len(counts) {
		return fmt.Errorf("%w: %d chunks for %d counts", ErrSizeMismatch, len(chunks), len(counts))
	}
	displ := 0
	for r, chunk := range chunks {
		if len(chunk) != counts[r] {
			return fmt.Errorf("%w: rank %d sent %d values, want %d", ErrSizeMismatch, r, len(chunk), counts[r])
		}
		copy(recv[displ:displ+counts[r]], chunk)
		displ += counts[r]
	}
	return nil
}

// checkCounts validates the arguments of an all-gather.
func checkCounts(rank, size int, send, recv []float64, counts []int) error {
	if len(counts) != size {
		return fmt.Errorf("%w: %d counts for %d workers", ErrSizeMismatch, len(counts), size)
	}
	if len(send) != counts[rank] {
		return fmt.Errorf("%w: sending %d values, counts[%d] = %d", ErrSizeMismatch, len(send), rank, counts[rank])
	}
	total := 0
	for _, c := range counts {
		if c < 0 {
			return fmt.Errorf("%w: negative count", ErrSizeMismatch)
		}
		total += c
	}
	if len(recv) < total {
		return fmt.Errorf("%w: receive buffer holds %d values, need %d", ErrSizeMismatch, len(recv), total)
	}
	return nil
}
