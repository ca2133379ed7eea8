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
	"fmt"
	"strings"
)

// RowBlock is a worker's contiguous slice of a global N x N matrix:
// Rows x N values stored row-major, starting at global row Offset.
type RowBlock struct {
	Data   []float64
	Rows   int
	N      int
	Offset int
}

// Row returns local row i.
func (b RowBlock) Row(i int) []float64 {
	return b.Data[i*b.N : (i+1)*b.N]
}

// AddMul returns a new block with every value v replaced by mul*v + add.
// The receiver is left untouched.
func (b RowBlock) AddMul(add, mul float64) RowBlock {
	out := b
	out.Data = make([]float64, len(b.Data))
	for i, v := range b.Data {
		out.Data[i] = mul*v + add
	}
	return out
}

// Affine is the elementwise transform v' = Mul*v + Add.
type Affine struct {
	Add float64
	Mul float64
}

// Apply returns b transformed by a.
func (a Affine) Apply(b RowBlock) RowBlock {
	return b.AddMul(a.Add, a.Mul)
}

// String formats the transform as "(add=<a>, mul=<m>)".
func (a Affine) String() string {
	return fmt.Sprintf("(add=%g, mul=%g)", a.Add, a.Mul)
}

// Generator builds one worker's row block of a global matrix.
type Generator interface {
	Generate(rank int, part *Partition) (RowBlock, error)
}

// newRowBlock allocates the zeroed row block owned by rank.
func newRowBlock(rank int, part *Partition) (RowBlock, error) {
	if rank < 0 || rank >= part.Size() {
		return RowBlock{}, fmt.Errorf("dmm: rank %d out of range [0, %d)", rank, part.Size())
	}
	rows, n := part.Rows(rank), part.N()
	return RowBlock{
		Data:   make([]float64, rows*n),
		Rows:   rows,
		N:      n,
		Offset: part.Offset(rank),
	}, nil
}

// Identity generates the rows of the N x N identity matrix.
type Identity struct{}

// Generate implements Generator.
func (Identity) Generate(rank int, part *Partition) (RowBlock, error) {
	b, err := newRowBlock(rank, part)
	if err != nil {
		return RowBlock{}, err
	}
	for i := range b.Rows {
		b.Data[i*b.N+b.Offset+i] = 1
	}
	return b, nil
}

// LCG constants of the cowichan randmat generator.
const (
	lcgA = 1664525
	lcgC = 1013904223
)

// Random generates pseudo-random values in [0, 100) with a linear
// congruential generator seeded per global row. The global matrix depends
// only on (Seed, N), never on the worker count.
type Random struct {
	Seed uint32
}

// Generate implements Generator.
func (r Random) Generate(rank int, part *Partition) (RowBlock, error) {
	b, err := newRowBlock(rank, part)
	if err != nil {
		return RowBlock{}, err
	}
	for i := range b.Rows {
		seed := r.Seed + uint32(b.Offset+i)
		row := b.Row(i)
		for j := range row {
			seed = lcgA*seed + lcgC
			row[j] = float64(seed % 100)
		}
	}
	return b, nil
}

// GeneratorByName returns the generator registered under name
// ("identity" or "random").
func GeneratorByName(name string, seed uint32) (Generator, error) {
	switch strings.ToLower(name) {
	case "identity", "":
		return Identity{}, nil
	case "random":
		return Random{Seed: seed}, nil
	}
	return nil, fmt.Errorf("dmm: unknown generator %q", name)
}
