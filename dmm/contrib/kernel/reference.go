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

package kernel

import (
	"github.com/samber/lo"

	"github.com/ajroetker/go-distmm/dmm"
)

// Reference is the explicit-loop kernel. It defines the semantics every
// other kernel is checked against.
//
// The shared dimension is walked one contributor segment at a time, in the
// order the segments sit in the column block. Each segment's contribution to
// an output row is summed on its own and then added to the row, so the
// result is associated per contributor and is bit-for-bit reproducible for a
// given split table.
type Reference struct{}

// Name implements dmm.Multiplier.
func (Reference) Name() string { return "reference" }

// MulBlock implements dmm.Multiplier.
func (Reference) MulBlock(a, b, c []float64, blk dmm.Block) {
	checkBlock(a, b, c, blk)
	rows, k, cols, ldc := blk.Rows, blk.K, blk.Cols, blk.LDC

	segments := blk.Splits
	if len(segments) == 0 {
		segments = []int{k}
	}
	partial := make([]float64, cols)

	for i := range rows {
		ci := c[i*ldc : i*ldc+cols]
		clear(ci)
		ai := a[i*k : (i+1)*k]

		segStart := 0
		for _, seg := range segments {
			clear(partial)
			for p := segStart; p < segStart+seg; p++ {
				aip := ai[p]
				bp := b[p*cols : (p+1)*cols]
				for j := range cols {
					partial[j] += aip * bp[j]
				}
			}
			for j := range cols {
				ci[j] += partial[j]
			}
			segStart += seg
		}
	}
}

// checkBlock panics if a slice is too short for blk or the contributor
// segments do not cover the shared dimension.
func checkBlock(a, b, c []float64, blk dmm.Block) {
	if blk.Rows < 0 || blk.K < 0 || blk.Cols < 0 {
		panic("kernel: negative block dimension")
	}
	if blk.LDC < blk.Cols {
		panic("kernel: LDC smaller than Cols")
	}
	if len(a) < blk.Rows*blk.K {
		panic("kernel: A slice too short")
	}
	if len(b) < blk.K*blk.Cols {
		panic("kernel: B slice too short")
	}
	if blk.Rows > 0 && len(c) < (blk.Rows-1)*blk.LDC+blk.Cols {
		panic("kernel: C slice too short")
	}
	if len(blk.Splits) > 0 && lo.Sum(blk.Splits) != blk.K {
		panic("kernel: splits do not cover K")
	}
}
