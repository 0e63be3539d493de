// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package probe

// TargetFunction is the only kernel function the detector can hook: the
// kernel program and Describe decode its first argument as struct kprobe *.
const TargetFunction = "register_kprobe"

// ProbeDescriptor is the logical view of register_kprobe's first argument
// (struct kprobe *). It is a fixed-size value copied out of the call, so it
// stays valid after the call is released.
type ProbeDescriptor struct {
	Kprobe      uint64 // struct kprobe * as passed by the caller
	Addr        uint64 // kp->addr
	Offset      uint32 // kp->offset
	SymbolPtr   uint64 // kp->symbol_name
	PID         uint32
	TID         uint32
	TimestampNS uint64

	comm      [CommLen]byte
	symbol    [SymbolLen]byte
	symbolLen int
}

// Describe builds the descriptor for a live call. It returns false when the
// first argument is a null pointer or the call is not live.
func Describe(call *InterceptedCall) (ProbeDescriptor, bool) {
	kp, ok := Argument(call, 0)
	if !ok || kp == 0 {
		return ProbeDescriptor{}, false
	}

	d := ProbeDescriptor{
		Kprobe:      kp,
		Addr:        call.kprobeAddr,
		Offset:      call.kprobeOffset,
		SymbolPtr:   call.symbolPtr,
		PID:         call.PID,
		TID:         call.TID,
		TimestampNS: call.TimestampNS,
		comm:        call.comm,
	}
	if call.symbolPtr != 0 {
		d.symbol = call.symbol
		d.symbolLen = len(cstring(d.symbol[:]))
	}
	return d, true
}

// NewDescriptor builds a descriptor outside the kernel path, for
// registrations read back from the kernel log or synthetic ones. kprobe is
// zero when the struct address is unknown. An empty symbol means
// symbol_name is absent.
func NewDescriptor(kprobe uint64, symbol string) ProbeDescriptor {
	d := ProbeDescriptor{Kprobe: kprobe}
	if symbol != "" {
		d.SymbolPtr = kprobe
		d.symbolLen = copy(d.symbol[:], symbol)
	}
	return d
}

// Symbol returns symbol_name without allocating. The slice aliases d.
func (d *ProbeDescriptor) Symbol() ([]byte, bool) {
	if d.symbolLen == 0 {
		return nil, false
	}
	return d.symbol[:d.symbolLen], true
}

// SymbolName returns symbol_name as a string.
func (d *ProbeDescriptor) SymbolName() (string, bool) {
	b, ok := d.Symbol()
	if !ok {
		return "", false
	}
	return string(b), true
}

// Comm returns the name of the task that called register_kprobe.
func (d *ProbeDescriptor) Comm() string {
	return string(cstring(d.comm[:]))
}
