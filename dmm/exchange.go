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

package dmm

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyStep is returned for an owner step whose column range is empty.
var ErrEmptyStep = errors.New("dmm: owner step has no columns")

// PackColumns copies columns [col, col+cols) of the rows x n row-major
// matrix src into dst as a rows x cols row-major matrix.
func PackColumns(dst, src []float64, rows, n, col, cols int) {
	if col < 0 || cols < 0 || col+cols > n {
		panic("dmm: column range out of bounds")
	}
	if len(src) < rows*n {
		panic("dmm: src slice too short")
	}
	if len(dst) < rows*cols {
		panic("dmm: dst slice too short")
	}
	for i := range rows {
		copy(dst[i*cols:(i+1)*cols], src[i*n+col:i*n+col+cols])
	}
}

// Exchanger redistributes column slices of the distributed matrix B so that,
// for owner step o, every worker holds the full-height N x Splits[o] column
// block owned by worker o.
//
// Both staging buffers are sized for the largest split once, at
// construction, and resliced for each step. The column block returned by
// Exchange is only valid until the next call to Pack.
type Exchanger struct {
	comm   Communicator
	part   *Partition
	b      RowBlock
	pack   []float64
	block  []float64
	counts []int
}

// NewExchanger prepares the exchange of the local row block b of B.
func NewExchanger(c Communicator, part *Partition, b RowBlock) (*Exchanger, error) {
	if c.Size() != part.Size() {
		return nil, fmt.Errorf("dmm: group has %d workers, partition has %d", c.Size(), part.Size())
	}
	if want := part.Rows(c.Rank()); b.Rows != want || b.N != part.N() {
		return nil, fmt.Errorf("%w: B block is %dx%d, want %dx%d", ErrRowMismatch, b.Rows, b.N, want, part.N())
	}
	maxCols := part.MaxSplit()
	return &Exchanger{
		comm:   c,
		part:   part,
		b:      b,
		pack:   make([]float64, b.Rows*maxCols),
		block:  make([]float64, part.N()*maxCols),
		counts: make([]int, part.Size()),
	}, nil
}

// Pack copies the columns owned by worker o out of the local B block into
// the pack buffer.
func (e *Exchanger) Pack(o int) error {
	if e.pack == nil {
		return errors.New("dmm: exchanger released")
	}
	cols := e.part.Splits[o]
	if cols == 0 {
		return fmt.Errorf("%w: owner %d", ErrEmptyStep, o)
	}
	PackColumns(e.pack, e.b.Data, e.b.Rows, e.b.N, e.part.Offsets[o], cols)
	return nil
}

// Exchange all-gathers every worker's packed buffer for owner o and returns
// the assembled N x Splits[o] column block. Worker r's rows start at
// Offsets[r]*Splits[o].
func (e *Exchanger) Exchange(ctx context.Context, o int) ([]float64, error) {
	if e.block == nil {
		return nil, errors.New("dmm: exchanger released")
	}
	cols := e.part.Splits[o]
	if cols == 0 {
		return nil, fmt.Errorf("%w: owner %d", ErrEmptyStep, o)
	}
	for r, rows := range e.part.Splits {
		e.counts[r] = rows * cols
	}
	send := e.pack[:e.b.Rows*cols]
	recv := e.block[:e.part.N()*cols]
	if err := e.comm.AllGatherv(ctx, send, recv, e.counts); err != nil {
		return nil, fmt.Errorf("exchange owner %d: %w", o, err)
	}
	return recv, nil
}

// Release drops the staging buffers. The Exchanger cannot be used afterwards.
func (e *Exchanger) Release() {
	e.pack = nil
	e.block = nil
}
