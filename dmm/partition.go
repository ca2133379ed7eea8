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
	"errors"
	"fmt"
	"sort"

	"github.com/samber/lo"
)

// ErrInvalidPartition is returned when (n, p) would leave a worker without rows.
var ErrInvalidPartition = errors.New("dmm: invalid partition")

// Partition is the row (and, for the column-partitioned view of B, column)
// distribution of an N x N matrix over P workers.
//
// Splits[k] is the number of rows owned by worker k and Offsets[k] is the
// global index of its first row. Both tables are derived from (n, p) alone
// with integer arithmetic, so every worker computes identical tables without
// communicating. A Partition must not be modified after construction.
type Partition struct {
	Splits  []int
	Offsets []int
	n       int
}

// NewPartition distributes n rows over p workers as evenly as possible.
// The n%p remainder rows go to the lowest ranks, one each:
//
//	Splits[k] = n/p + (1 if k < n%p)
//
// It fails with ErrInvalidPartition if p <= 0 or n < p.
func NewPartition(n, p int) (*Partition, error) {
	if p <= 0 {
		return nil, fmt.Errorf("%w: worker count %d", ErrInvalidPartition, p)
	}
	if n < p {
		return nil, fmt.Errorf("%w: dimension %d is smaller than worker count %d", ErrInvalidPartition, n, p)
	}

	div, rem := n/p, n%p
	splits := make([]int, p)
	for k := range splits {
		splits[k] = div
		if k < rem {
			splits[k]++
		}
	}

	return &Partition{
		Splits:  splits,
		Offsets: exclusivePrefixSum(splits),
		n:       n,
	}, nil
}

// exclusivePrefixSum returns out with out[0] = 0 and
// out[k] = data[0] + ... + data[k-1].
func exclusivePrefixSum(data []int) []int {
	out := make([]int, len(data))
	var sum int
	for i, v := range data {
		out[i] = sum
		sum += v
	}
	return out
}

// N returns the global matrix dimension.
func (p *Partition) N() int { return p.n }

// Size returns the number of workers.
func (p *Partition) Size() int { return len(p.Splits) }

// Rows returns the number of rows owned by rank.
func (p *Partition) Rows(rank int) int { return p.Splits[rank] }

// Offset returns the global index of the first row owned by rank.
func (p *Partition) Offset(rank int) int { return p.Offsets[rank] }

// MaxSplit returns the largest split. Remainder rows go to the lowest
// ranks, so this is always Splits[0].
func (p *Partition) MaxSplit() int { return lo.Max(p.Splits) }

// Owner returns the rank that owns global row (or column) idx.
func (p *Partition) Owner(idx int) int {
	if idx < 0 || idx >= p.n {
		panic(fmt.Sprintf("dmm: index %d out of range [0, %d)", idx, p.n))
	}
	// First rank whose range ends past idx.
	return sort.Search(len(p.Offsets), func(k int) bool {
		return p.Offsets[k]+p.Splits[k] > idx
	})
}

// Validate checks the partition invariants: splits sum to N, differ by at
// most one, are positive, and Offsets is their exclusive prefix sum.
func (p *Partition) Validate() error {
	if len(p.Splits) == 0 || len(p.Splits) != len(p.Offsets) {
		return fmt.Errorf("%w: %d splits, %d offsets", ErrInvalidPartition, len(p.Splits), len(p.Offsets))
	}
	if sum := lo.Sum(p.Splits); sum != p.n {
		return fmt.Errorf("%w: splits sum to %d, want %d", ErrInvalidPartition, sum, p.n)
	}
	lowest, highest := lo.Min(p.Splits), lo.Max(p.Splits)
	if lowest <= 0 {
		return fmt.Errorf("%w: empty split", ErrInvalidPartition)
	}
	if highest-lowest > 1 {
		return fmt.Errorf("%w: splits range [%d, %d]", ErrInvalidPartition, lowest, highest)
	}
	for k, off := range exclusivePrefixSum(p.Splits) {
		if p.Offsets[k] != off {
			return fmt.Errorf("%w: offset[%d] = %d, want %d", ErrInvalidPartition, k, p.Offsets[k], off)
		}
	}
	return nil
}

// String formats the partition as "N=<n> splits=[...] offsets=[...]".
func (p *Partition) String() string {
	return fmt.Sprintf("N=%d splits=%v offsets=%v", p.n, p.Splits, p.Offsets)
}
