// Copyright 2025 go-distmm Authors. SPDX-License-Identifier: Apache-2.0

package comm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// GatherRequest is one worker's contribution to a collective round.
type GatherRequest struct {
	Seq  uint64
	Rank int32
	Size int32
	Data []float64
}

// GatherReply carries every worker's contribution, indexed by rank.
type GatherReply struct {
	Chunks [][]float64
}

// frameCodec encodes the two rendezvous messages as little-endian frames:
//
//	request: seq u64 | rank u32 | size u32 | n u64 | n x f64
//	reply:   k u32 | k x (n u64 | n x f64)
type frameCodec struct{}

const codecName = "distmm-frame"

var errShortFrame = errors.New("comm: short frame")

func (frameCodec) Name() string { return codecName }

func (frameCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *GatherRequest:
		buf := make([]byte, 0, 24+8*len(m.Data))
		buf = binary.LittleEndian.AppendUint64(buf, m.Seq)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(m.Rank))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(m.Size))
		return appendFloats(buf, m.Data), nil
	case *GatherReply:
		size := 4
		for _, c := range m.Chunks {
			size += 8 + 8*len(c)
		}
		buf := make([]byte, 0, size)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Chunks)))
		for _, c := range m.Chunks {
			buf = appendFloats(buf, c)
		}
		return buf, nil
	}
	return nil, fmt.Errorf("comm: cannot marshal %T", v)
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *GatherRequest:
		if len(data) < 16 {
			return errShortFrame
		}
		m.Seq = binary.LittleEndian.Uint64(data)
		m.Rank = int32(binary.LittleEndian.Uint32(data[8:]))
		m.Size = int32(binary.LittleEndian.Uint32(data[12:]))
		vals, rest, err := readFloats(data[16:])
		if err != nil {
			return err
		}
		if len(rest) != 0 {
			return fmt.Errorf("comm: %d trailing bytes in request", len(rest))
		}
		m.Data = vals
		return nil
	case *GatherReply:
		if len(data) < 4 {
			return errShortFrame
		}
		k := int(binary.LittleEndian.Uint32(data))
		data = data[4:]
		// Each chunk needs at least its length prefix.
		if k > len(data)/8 {
			return errShortFrame
		}
		m.Chunks = make([][]float64, k)
		for i := range k {
			vals, rest, err := readFloats(data)
			if err != nil {
				return err
			}
			m.Chunks[i] = vals
			data = rest
		}
		if len(data) != 0 {
			return fmt.Errorf("comm: %d trailing bytes in reply", len(data))
		}
		return nil
	}
	return fmt.Errorf("comm: cannot unmarshal into %T", v)
}

func appendFloats(buf []byte, vals []float64) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(vals)))
	for _, v := range vals {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	return buf
}

func readFloats(data []byte) ([]float64, []byte, error) {
	if len(data) < 8 {
		return nil, nil, errShortFrame
	}
	n := binary.LittleEndian.Uint64(data)
	data = data[8:]
	if n > uint64(len(data)/8) {
		return nil, nil, errShortFrame
	}
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[8*i:]))
	}
	return vals, data[8*n:], nil
}
