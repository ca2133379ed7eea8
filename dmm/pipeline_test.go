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

package dmm_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ajroetker/go-distmm/dmm"
	"github.com/ajroetker/go-distmm/dmm/contrib/comm"
	"github.com/ajroetker/go-distmm/dmm/contrib/kernel"
)

var kernels = []dmm.Multiplier{kernel.Reference{}, kernel.BLAS{}}

// runGroup runs cfg on p in-process workers and returns the results by rank.
func runGroup(t *testing.T, p int, cfg dmm.Config) []*dmm.Result {
	t.Helper()
	results := make([]*dmm.Result, p)
	err := comm.RunLocal(context.Background(), p, func(ctx context.Context, c *comm.Local) error {
		res, err := dmm.Run(ctx, c, cfg)
		if err != nil {
			return err
		}
		results[c.Rank()] = res
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return results
}

// assemble stacks the per-worker output blocks into the full product.
func assemble(results []*dmm.Result) []float64 {
	var full []float64
	for _, r := range results {
		full = append(full, r.C.Data...)
	}
	return full
}

// TestIdentityScenario is N=4, P=2 with A' = 2I + J and B' = 2I + 5J, whose
// product is 4I + 32J.
func TestIdentityScenario(t *testing.T) {
	for _, k := range kernels {
		t.Run(k.Name(), func(t *testing.T) {
			results := runGroup(t, 2, dmm.DefaultConfig(4, k))

			part := results[0].Partition
			if fmt.Sprint(part.Splits) != "[2 2]" || fmt.Sprint(part.Offsets) != "[0 2]" {
				t.Fatalf("partition = %s", part)
			}

			c := assemble(results)
			for i := range 4 {
				for j := range 4 {
					want := 32.0
					if i == j {
						want = 36
					}
					if got := c[i*4+j]; got != want {
						t.Errorf("C[%d][%d] = %v, want %v", i, j, got, want)
					}
				}
			}
		})
	}
}

// TestSingleWorker checks that P=1 runs exactly one owner step and matches a
// direct product.
func TestSingleWorker(t *testing.T) {
	const n = 6
	for _, k := range kernels {
		t.Run(k.Name(), func(t *testing.T) {
			cfg := dmm.DefaultConfig(n, k)
			cfg.A = dmm.Random{Seed: 1}
			cfg.B = dmm.Random{Seed: 2}
			res := runGroup(t, 1, cfg)[0]

			if res.Timings.Steps() != 1 {
				t.Errorf("Steps() = %d, want 1", res.Timings.Steps())
			}
			pack, exchange, compute := res.Timings.Total()
			if res.Elapsed.Seconds()+1e-9 < pack+exchange+compute {
				t.Errorf("Elapsed %v is shorter than the summed phases %gs", res.Elapsed, pack+exchange+compute)
			}
			if _, err := dmm.Verify(res.A, res.B, res.C, 1e-9); err != nil {
				t.Error(err)
			}
		})
	}
}

// TestProductMatchesDense compares the distributed product against gonum for
// several shapes, including uneven splits.
func TestProductMatchesDense(t *testing.T) {
	testCases := []struct {
		n, p int
	}{
		{4, 2},
		{5, 2},
		{10, 3},
		{16, 4},
		{17, 5},
		{33, 8},
		{64, 3},
	}

	for _, k := range kernels {
		for _, tc := range testCases {
			t.Run(fmt.Sprintf("%s/n=%d/p=%d", k.Name(), tc.n, tc.p), func(t *testing.T) {
				cfg := dmm.DefaultConfig(tc.n, k)
				cfg.A = dmm.Random{Seed: 11}
				cfg.B = dmm.Random{Seed: 29}
				cfg.TransformA = dmm.Affine{Add: -50, Mul: 0.25}
				cfg.TransformB = dmm.Affine{Add: 1, Mul: -1}

				var (
					mu       sync.Mutex
					verified int
				)
				err := comm.RunLocal(context.Background(), tc.p, func(ctx context.Context, c *comm.Local) error {
					res, err := dmm.Run(ctx, c, cfg)
					if err != nil {
						return err
					}
					if res.Timings.Steps() != tc.p {
						return fmt.Errorf("recorded %d steps, want %d", res.Timings.Steps(), tc.p)
					}
					a, err := dmm.GatherRows(ctx, c, res.Partition, res.A)
					if err != nil {
						return err
					}
					b, err := dmm.GatherRows(ctx, c, res.Partition, res.B)
					if err != nil {
						return err
					}
					full, err := dmm.GatherRows(ctx, c, res.Partition, res.C)
					if err != nil {
						return err
					}
					if _, err := dmm.Verify(a, b, full, 1e-6); err != nil {
						return err
					}
					mu.Lock()
					verified++
					mu.Unlock()
					return nil
				})
				if err != nil {
					t.Fatal(err)
				}
				if verified != tc.p {
					t.Errorf("%d workers verified, want %d", verified, tc.p)
				}
			})
		}
	}
}

// TestReferenceDeterministic checks bit-identical output across runs.
func TestReferenceDeterministic(t *testing.T) {
	cfg := dmm.DefaultConfig(23, kernel.Reference{})
	cfg.A = dmm.Random{Seed: 5}
	cfg.B = dmm.Random{Seed: 6}

	first := assemble(runGroup(t, 4, cfg))
	for run := range 3 {
		again := assemble(runGroup(t, 4, cfg))
		for i := range first {
			if first[i] != again[i] {
				t.Fatalf("run %d: element %d = %v, want %v", run, i, again[i], first[i])
			}
		}
	}
}

// TestKernelsAgree checks that the BLAS kernel stays within rounding of the
// reference kernel.
func TestKernelsAgree(t *testing.T) {
	cfg := dmm.DefaultConfig(40, kernel.Reference{})
	cfg.A = dmm.Random{Seed: 8}
	cfg.B = dmm.Random{Seed: 9}
	ref := assemble(runGroup(t, 3, cfg))

	cfg.Kernel = kernel.BLAS{}
	got := assemble(runGroup(t, 3, cfg))

	const tolerance = 1e-9
	for i := range ref {
		if d := ref[i] - got[i]; d > tolerance || d < -tolerance {
			t.Fatalf("element %d: blas %v, reference %v", i, got[i], ref[i])
		}
	}
}

// shortGenerator returns one row fewer than the partition assigns.
type shortGenerator struct{}

func (shortGenerator) Generate(rank int, part *dmm.Partition) (dmm.RowBlock, error) {
	rows := part.Rows(rank) - 1
	return dmm.RowBlock{
		Data:   make([]float64, rows*part.N()),
		Rows:   rows,
		N:      part.N(),
		Offset: part.Offset(rank),
	}, nil
}

// TestRowMismatchSkipsLoop checks that every worker rejects mismatched blocks
// before entering the exchange loop.
func TestRowMismatchSkipsLoop(t *testing.T) {
	cfg := dmm.DefaultConfig(8, kernel.Reference{})
	cfg.B = shortGenerator{}

	var (
		mu       sync.Mutex
		rejected int
	)
	err := comm.RunLocal(context.Background(), 2, func(ctx context.Context, c *comm.Local) error {
		_, err := dmm.Run(context.Background(), c, cfg)
		if errors.Is(err, dmm.ErrRowMismatch) {
			mu.Lock()
			rejected++
			mu.Unlock()
		}
		return err
	})
	if !errors.Is(err, dmm.ErrRowMismatch) {
		t.Fatalf("RunLocal error = %v, want ErrRowMismatch", err)
	}
	if rejected != 2 {
		t.Errorf("%d workers rejected the setup, want 2", rejected)
	}
}

func TestRunWritesTimings(t *testing.T) {
	dir := t.TempDir()
	cfg := dmm.DefaultConfig(9, kernel.Reference{})
	cfg.OutDir = dir
	results := runGroup(t, 3, cfg)

	for rank, res := range results {
		if res.TimingsErr != nil {
			t.Fatalf("rank %d: %v", rank, res.TimingsErr)
		}
		f, err := os.Open(filepath.Join(dir, dmm.TimingsFileName(rank)))
		if err != nil {
			t.Fatal(err)
		}
		tm, err := dmm.ReadTimings(f)
		f.Close()
		if err != nil {
			t.Fatal(err)
		}
		if len(tm.Pack) != 3 || len(tm.Exchange) != 3 || len(tm.Compute) != 3 {
			t.Errorf("rank %d: lines of %d, %d, %d values, want 3 each",
				rank, len(tm.Pack), len(tm.Exchange), len(tm.Compute))
		}
	}
}

// TestTimingsFailureKeepsProduct checks that an unwritable output directory
// is reported without losing the product.
func TestTimingsFailureKeepsProduct(t *testing.T) {
	cfg := dmm.DefaultConfig(4, kernel.Reference{})
	cfg.OutDir = filepath.Join(t.TempDir(), "does", "not", "exist")
	results := runGroup(t, 2, cfg)

	for rank, res := range results {
		if res.TimingsErr == nil {
			t.Errorf("rank %d: TimingsErr is nil", rank)
		}
	}
	if c := assemble(results); c[0] != 36 || c[1] != 32 {
		t.Errorf("C[0][0], C[0][1] = %v, %v, want 36, 32", c[0], c[1])
	}
}

func TestRunRejectsMissingKernel(t *testing.T) {
	group, err := comm.NewLocalGroup(1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dmm.Run(context.Background(), group[0], dmm.DefaultConfig(4, nil)); err == nil {
		t.Error("Run without a kernel succeeded")
	}
}

// TestDimensionFromRankZero checks that only rank 0's N is used.
func TestDimensionFromRankZero(t *testing.T) {
	err := comm.RunLocal(context.Background(), 2, func(ctx context.Context, c *comm.Local) error {
		n := 4
		if c.Rank() != 0 {
			n = 1000
		}
		res, err := dmm.Run(ctx, c, dmm.DefaultConfig(n, kernel.Reference{}))
		if err != nil {
			return err
		}
		if res.Partition.N() != 4 {
			return fmt.Errorf("N = %d, want 4", res.Partition.N())
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestSelectKernelSeesBroadcastDimension checks that the kernel is chosen
// from rank 0's N on every worker, whatever N the others were given.
func TestSelectKernelSeesBroadcastDimension(t *testing.T) {
	var (
		mu   sync.Mutex
		seen [][2]int
	)
	err := comm.RunLocal(context.Background(), 3, func(ctx context.Context, c *comm.Local) error {
		cfg := dmm.DefaultConfig(9, nil)
		if c.Rank() != 0 {
			cfg.N = 4096
		}
		cfg.SelectKernel = func(n, p int) (dmm.Multiplier, error) {
			mu.Lock()
			seen = append(seen, [2]int{n, p})
			mu.Unlock()
			return kernel.Auto(n, p), nil
		}
		res, err := dmm.Run(ctx, c, cfg)
		if err != nil {
			return err
		}
		if res.Kernel.Name() != "reference" {
			return fmt.Errorf("rank %d ran %s, want reference", c.Rank(), res.Kernel.Name())
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 3 {
		t.Fatalf("SelectKernel called %d times, want 3", len(seen))
	}
	for _, np := range seen {
		if np != [2]int{9, 3} {
			t.Errorf("SelectKernel(%d, %d), want (9, 3)", np[0], np[1])
		}
	}
}

func TestSelectKernelError(t *testing.T) {
	errNoKernel := errors.New("no kernel for this shape")
	cfg := dmm.DefaultConfig(6, nil)
	cfg.SelectKernel = func(int, int) (dmm.Multiplier, error) { return nil, errNoKernel }
	err := comm.RunLocal(context.Background(), 2, func(ctx context.Context, c *comm.Local) error {
		_, err := dmm.Run(ctx, c, cfg)
		return err
	})
	if !errors.Is(err, errNoKernel) {
		t.Errorf("RunLocal error = %v, want %v", err, errNoKernel)
	}
}

// TestRunOverRemote runs the whole product with one gRPC worker per rank,
// rank 0 hosting the hub, and verifies the gathered result on every rank.
func TestRunOverRemote(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := lis.Addr().String()
	if err := lis.Close(); err != nil {
		t.Fatal(err)
	}

	const size = 3
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for rank := range size {
		g.Go(func() error {
			w, err := comm.Join(addr, rank, size)
			if err != nil {
				return err
			}
			cfg := dmm.DefaultConfig(11, kernel.BLAS{})
			cfg.A = dmm.Random{Seed: 3}
			cfg.B = dmm.Random{Seed: 4}
			res, err := dmm.Run(ctx, w, cfg)
			if err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			a, err := dmm.GatherRows(ctx, w, res.Partition, res.A)
			if err != nil {
				return err
			}
			b, err := dmm.GatherRows(ctx, w, res.Partition, res.B)
			if err != nil {
				return err
			}
			full, err := dmm.GatherRows(ctx, w, res.Partition, res.C)
			if err != nil {
				return err
			}
			if _, err := dmm.Verify(a, b, full, 1e-9); err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			return w.Close(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func BenchmarkRun(b *testing.B) {
	for _, k := range kernels {
		for _, p := range []int{1, 4} {
			b.Run(fmt.Sprintf("%s/n=128/p=%d", k.Name(), p), func(b *testing.B) {
				cfg := dmm.DefaultConfig(128, k)
				for b.Loop() {
					err := comm.RunLocal(context.Background(), p, func(ctx context.Context, c *comm.Local) error {
						_, err := dmm.Run(ctx, c, cfg)
						return err
					})
					if err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}
