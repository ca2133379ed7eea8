// Copyright 2025 go-distmm Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/ajroetker/go-distmm/dmm"
)

// BLAS hands the whole packed block to gonum's Dgemm through blas64, which
// dispatches to whatever blas64.Use installed (the pure Go gonum
// implementation by default). Results match Reference up to rounding.
type BLAS struct{}

// Name implements dmm.Multiplier.
func (BLAS) Name() string { return "blas" }

// MulBlock implements dmm.Multiplier.
func (BLAS) MulBlock(a, b, c []float64, blk dmm.Block) {
	checkBlock(a, b, c, blk)
	if blk.Rows == 0 || blk.Cols == 0 {
		return
	}
	if blk.K == 0 {
		for i := range blk.Rows {
			clear(c[i*blk.LDC : i*blk.LDC+blk.Cols])
		}
		return
	}

	ga := blas64.General{Rows: blk.Rows, Cols: blk.K, Data: a[:blk.Rows*blk.K], Stride: blk.K}
	gb := blas64.General{Rows: blk.K, Cols: blk.Cols, Data: b[:blk.K*blk.Cols], Stride: blk.Cols}
	gc := blas64.General{
		Rows:   blk.Rows,
		Cols:   blk.Cols,
		Data:   c[:(blk.Rows-1)*blk.LDC+blk.Cols],
		Stride: blk.LDC,
	}
	// beta = 0: C is overwritten, so the output block needs no zeroing.
	blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, ga, gb, 0, gc)
}
