// Copyright 2025 go-distmm Authors. SPDX-License-Identifier: Apache-2.0

package dmm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// GatherRows assembles the full N x N matrix from every worker's row block.
// It is a collective call; every worker receives the whole matrix.
func GatherRows(ctx context.Context, c Communicator, part *Partition, local RowBlock) (RowBlock, error) {
	n := part.N()
	if local.Rows != part.Rows(c.Rank()) || local.N != n {
		return RowBlock{}, fmt.Errorf("%w: block is %dx%d, want %dx%d",
			ErrRowMismatch, local.Rows, local.N, part.Rows(c.Rank()), n)
	}
	counts := make([]int, part.Size())
	for r, rows := range part.Splits {
		counts[r] = rows * n
	}
	full := make([]float64, n*n)
	if err := c.AllGatherv(ctx, local.Data[:local.Rows*n], full, counts); err != nil {
		return RowBlock{}, fmt.Errorf("gather rows: %w", err)
	}
	return RowBlock{Data: full, Rows: n, N: n}, nil
}

// FormatMatrix writes b one row per line, values separated by spaces.
func FormatMatrix(w io.Writer, b RowBlock) error {
	bw := bufio.NewWriter(w)
	for i := range b.Rows {
		for _, v := range b.Row(i) {
			bw.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
			bw.WriteByte(' ')
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// Dense wraps a full matrix as a gonum *mat.Dense sharing its storage.
func (b RowBlock) Dense() *mat.Dense {
	return mat.NewDense(b.Rows, b.N, b.Data[:b.Rows*b.N])
}

// Verify compares the gathered product c against an undistributed gonum
// product of the gathered inputs a and b. It returns the largest absolute
// difference and an error if it exceeds tol.
func Verify(a, b, c RowBlock, tol float64) (float64, error) {
	if a.Rows != a.N || b.Rows != b.N || c.Rows != c.N || a.N != b.N || a.N != c.N {
		return 0, fmt.Errorf("dmm: verify needs full square matrices, got %dx%d, %dx%d, %dx%d",
			a.Rows, a.N, b.Rows, b.N, c.Rows, c.N)
	}
	var want mat.Dense
	want.Mul(a.Dense(), b.Dense())

	var maxErr float64
	n := c.N
	for i := range n {
		for j := range n {
			if d := math.Abs(want.At(i, j) - c.Data[i*n+j]); d > maxErr {
				maxErr = d
			}
		}
	}
	if maxErr > tol {
		return maxErr, fmt.Errorf("dmm: max error %g exceeds tolerance %g", maxErr, tol)
	}
	return maxErr, nil
}
