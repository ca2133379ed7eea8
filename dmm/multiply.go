// Copyright 2025 go-distmm Authors. SPDX-License-Identifier: Apache-2.0

package dmm

// Block describes the product computed for one owner step:
//
//	c[i*LDC + j] = sum_k a[i*K + k] * b[k*Cols + j]   for i < Rows, j < Cols
//
// where:
//
//   - a is the worker's Rows x K row block of A (row-major, stride K)
//   - b is the K x Cols column block (row-major, stride Cols)
//   - c starts at the top-left corner of the owner's column range in the
//     worker's output block and has stride LDC
//
// Splits lists, in rank order, how many rows of b each worker contributed.
// The entries sum to K.
type Block struct {
	Rows   int
	K      int
	Cols   int
	LDC    int
	Splits []int
}

// Multiplier is a local product kernel. Implementations must overwrite
// exactly the Rows x Cols window of c described by blk and leave every
// other element of c untouched.
type Multiplier interface {
	Name() string
	MulBlock(a, b, c []float64, blk Block)
}
