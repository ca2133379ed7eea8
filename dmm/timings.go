// Copyright 2025 go-distmm Authors. SPDX-License-Identifier: Apache-2.0

package dmm

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Timings holds per-owner-step phase durations, in seconds, for one worker.
// Entry o of each slice belongs to owner step o.
type Timings struct {
	Pack     []float64
	Exchange []float64
	Compute  []float64
}

func newTimings(steps int) Timings {
	return Timings{
		Pack:     make([]float64, 0, steps),
		Exchange: make([]float64, 0, steps),
		Compute:  make([]float64, 0, steps),
	}
}

func (t *Timings) record(pack, exchange, compute time.Duration) {
	t.Pack = append(t.Pack, pack.Seconds())
	t.Exchange = append(t.Exchange, exchange.Seconds())
	t.Compute = append(t.Compute, compute.Seconds())
}

// Steps returns the number of recorded owner steps.
func (t Timings) Steps() int { return len(t.Compute) }

// Total returns the summed pack, exchange and compute time.
func (t Timings) Total() (pack, exchange, compute float64) {
	for i := range t.Compute {
		pack += t.Pack[i]
		exchange += t.Exchange[i]
		compute += t.Compute[i]
	}
	return pack, exchange, compute
}

// WriteTo writes three lines: pack, exchange and compute durations, each a
// space-separated sequence with one value per owner step.
func (t Timings) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int64
	for _, line := range [][]float64{t.Pack, t.Exchange, t.Compute} {
		for _, v := range line {
			m, _ := bw.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
			n += int64(m)
			m, _ = bw.WriteString(" ")
			n += int64(m)
		}
		m, _ := bw.WriteString("\n")
		n += int64(m)
	}
	return n, bw.Flush()
}

// TimingsFileName returns the per-worker output file name for rank.
func TimingsFileName(rank int) string {
	return "proc" + strconv.Itoa(rank) + ".out"
}

// WriteFile writes t to dir/proc<rank>.out and returns the path.
func (t Timings) WriteFile(dir string, rank int) (string, error) {
	path := filepath.Join(dir, TimingsFileName(rank))
	f, err := os.Create(path)
	if err != nil {
		return path, fmt.Errorf("create timings file: %w", err)
	}
	if _, err := t.WriteTo(f); err != nil {
		f.Close()
		return path, fmt.Errorf("write timings file: %w", err)
	}
	if err := f.Close(); err != nil {
		return path, fmt.Errorf("close timings file: %w", err)
	}
	return path, nil
}

// ReadTimings parses the three-line format produced by WriteTo.
func ReadTimings(r io.Reader) (Timings, error) {
	var t Timings
	lines := []*[]float64{&t.Pack, &t.Exchange, &t.Compute}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	i := 0
	for ; i < len(lines) && sc.Scan(); i++ {
		vals := []float64{}
		for _, word := range strings.Fields(sc.Text()) {
			v, err := strconv.ParseFloat(word, 64)
			if err != nil {
				return Timings{}, fmt.Errorf("timings line %d: %w", i+1, err)
			}
			vals = append(vals, v)
		}
		*lines[i] = vals
	}
	if err := sc.Err(); err != nil {
		return Timings{}, fmt.Errorf("read timings: %w", err)
	}
	if i != len(lines) {
		return Timings{}, fmt.Errorf("read timings: got %d lines, want %d", i, len(lines))
	}
	return t, nil
}
