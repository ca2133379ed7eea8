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

// Package kernel provides the local product kernels used by each owner step
// of the distributed multiplication, selectable by name at runtime.
package kernel

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"

	"github.com/ajroetker/go-distmm/dmm"
)

var (
	// ErrUnknown is returned by Lookup for a name no variant is registered under.
	ErrUnknown = errors.New("kernel: unknown variant")

	// ErrUnimplemented is returned by Lookup for a registered placeholder.
	ErrUnimplemented = errors.New("kernel: variant not implemented")
)

// EnvKernel names the environment variable that overrides the default variant.
const EnvKernel = "DISTMM_KERNEL"

// SmallBlockThreshold is the per-step multiply-add count below which the
// reference loops beat Dgemm's setup cost.
const SmallBlockThreshold = 64 * 64 * 64

// Variant describes one registered kernel.
type Variant struct {
	Name        string
	Description string

	// New is nil for placeholders that must never be selected.
	New func() dmm.Multiplier
}

var variants = []Variant{
	{
		Name:        "reference",
		Description: "explicit loops over contributor segments",
		New:         func() dmm.Multiplier { return Reference{} },
	},
	{
		Name:        "blas",
		Description: "gonum blas64 Dgemm over the packed block",
		New:         func() dmm.Multiplier { return BLAS{} },
	},
	{
		Name:        "tiled",
		Description: "cache-tiled loops (placeholder)",
	},
}

// Variants returns every registered variant, placeholders included.
func Variants() []Variant {
	return append([]Variant(nil), variants...)
}

// Names returns the names of the selectable variants.
func Names() []string {
	var names []string
	for _, v := range variants {
		if v.New != nil {
			names = append(names, v.Name)
		}
	}
	return names
}

// Lookup returns the kernel registered under name. "auto" or "" resolves
// through DefaultName and Auto.
func Lookup(name string, n, p int) (dmm.Multiplier, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = DefaultName()
	}
	if name == "auto" {
		return Auto(n, p), nil
	}
	for _, v := range variants {
		if v.Name != name {
			continue
		}
		if v.New == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnimplemented, name)
		}
		return v.New(), nil
	}
	return nil, fmt.Errorf("%w: %q (have %s)", ErrUnknown, name, strings.Join(Names(), ", "))
}

// DefaultName returns $DISTMM_KERNEL, or "auto" when it is unset.
func DefaultName() string {
	if v := strings.TrimSpace(os.Getenv(EnvKernel)); v != "" {
		return strings.ToLower(v)
	}
	return "auto"
}

// Auto picks a kernel for an N x N product over p workers.
//
// Selection:
//
//  1. Small steps (rows * N * cols < SmallBlockThreshold): Reference, the
//     packed block fits in cache and Dgemm's setup dominates.
//  2. No vector unit detected: Reference.
//  3. Otherwise: BLAS.
func Auto(n, p int) dmm.Multiplier {
	if p <= 0 || n < p {
		return Reference{}
	}
	rows := (n + p - 1) / p
	if rows*n*rows < SmallBlockThreshold {
		return Reference{}
	}
	if !HasVectorUnit() {
		return Reference{}
	}
	return BLAS{}
}

// HasVectorUnit reports whether the CPU has the baseline SIMD unit gonum's
// assembly kernels use.
func HasVectorUnit() bool {
	switch runtime.GOARCH {
	case "amd64":
		return cpu.X86.HasSSE2
	case "arm64":
		return cpu.ARM64.HasASIMD
	}
	return false
}

// Features returns a short list of the vector extensions detected on this CPU.
func Features() []string {
	var fs []string
	add := func(ok bool, name string) {
		if ok {
			fs = append(fs, name)
		}
	}
	switch runtime.GOARCH {
	case "amd64":
		add(cpu.X86.HasSSE2, "sse2")
		add(cpu.X86.HasSSE41, "sse4.1")
		add(cpu.X86.HasAVX, "avx")
		add(cpu.X86.HasAVX2, "avx2")
		add(cpu.X86.HasFMA, "fma")
		add(cpu.X86.HasAVX512F, "avx512f")
	case "arm64":
		add(cpu.ARM64.HasASIMD, "asimd")
		add(cpu.ARM64.HasFP, "fp")
		add(cpu.ARM64.HasSVE, "sve")
		add(cpu.ARM64.HasSVE2, "sve2")
	}
	return fs
}
