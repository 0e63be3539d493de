// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package probe decodes intercepted register_kprobe calls delivered by the
// kernel program and exposes the calling-convention-independent view used by
// detection.
package probe

import (
	"encoding/binary"
	"fmt"
)

// Record layout shared with the BPF program in hook/ebpf. All fields are
// native endian.
const (
	CapturedArgs = 6
	CommLen      = 16
	SymbolLen    = 128

	OffTimestamp    = 0
	OffPIDTGID      = 8
	OffFuncIP       = 16
	OffArgs         = 24
	OffKprobeAddr   = OffArgs + 8*CapturedArgs // 72
	OffSymbolPtr    = 80
	OffKprobeOffset = 88
	OffCPU          = 92
	OffComm         = 96
	OffSymbol       = OffComm + CommLen // 112
	RecordSize      = OffSymbol + SymbolLen
)

// InterceptedCall is the execution context snapshot of one trapped call.
// It is only live between ParseCall and Release; the ring buffer reader
// reuses the same value for the next sample.
type InterceptedCall struct {
	TimestampNS uint64
	PID         uint32
	TID         uint32
	CPU         uint32
	FuncIP      uint64

	args [CapturedArgs]uint64

	// Fields the kernel program copied out of the struct kprobe that
	// argument 0 points to.
	kprobeAddr   uint64
	symbolPtr    uint64
	kprobeOffset uint32
	comm         [CommLen]byte
	symbol       [SymbolLen]byte

	live bool
}

// ParseCall decodes raw into call without allocating.
func ParseCall(raw []byte, call *InterceptedCall) error {
	if len(raw) < RecordSize {
		return fmt.Errorf("short record: %d bytes, want %d", len(raw), RecordSize)
	}

	ne := binary.NativeEndian
	call.TimestampNS = ne.Uint64(raw[OffTimestamp:])
	pidTGID := ne.Uint64(raw[OffPIDTGID:])
	call.PID = uint32(pidTGID >> 32)
	call.TID = uint32(pidTGID)
	call.FuncIP = ne.Uint64(raw[OffFuncIP:])
	for i := range call.args {
		call.args[i] = ne.Uint64(raw[OffArgs+8*i:])
	}
	call.kprobeAddr = ne.Uint64(raw[OffKprobeAddr:])
	call.symbolPtr = ne.Uint64(raw[OffSymbolPtr:])
	call.kprobeOffset = ne.Uint32(raw[OffKprobeOffset:])
	call.CPU = ne.Uint32(raw[OffCPU:])
	copy(call.comm[:], raw[OffComm:OffComm+CommLen])
	copy(call.symbol[:], raw[OffSymbol:OffSymbol+SymbolLen])
	call.live = true
	return nil
}

// Release marks the call as no longer valid. Argument returns false
// afterwards.
func (c *InterceptedCall) Release() {
	c.live = false
}

// Live reports whether the call is inside its dispatch window.
func (c *InterceptedCall) Live() bool {
	return c.live
}

// cstring returns the bytes of b up to the first NUL.
func cstring(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}
