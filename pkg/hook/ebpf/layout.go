// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package ebpf

import (
	"fmt"

	"github.com/cilium/ebpf/btf"
)

// kprobeLayout holds the byte offsets of the struct kprobe members the
// program copies out.
type kprobeLayout struct {
	Addr       uint32 // kprobe_opcode_t *addr
	SymbolName uint32 // const char *symbol_name
	Offset     uint32 // unsigned int offset
	FromBTF    bool
}

// fallbackLayout is struct kprobe on 64-bit kernels from 4.x through 6.x:
// hlist_node (16) + list_head (16) + nmissed (8) precede addr.
var fallbackLayout = kprobeLayout{Addr: 40, SymbolName: 48, Offset: 56}

// kernelKprobeLayout reads the layout from the running kernel's BTF.
func kernelKprobeLayout() (kprobeLayout, error) {
	spec, err := btf.LoadKernelSpec()
	if err != nil {
		return fallbackLayout, fmt.Errorf("load kernel BTF: %w", err)
	}

	var s *btf.Struct
	if err := spec.TypeByName("kprobe", &s); err != nil {
		return fallbackLayout, fmt.Errorf("find struct kprobe: %w", err)
	}
	return layoutFromStruct(s)
}

func layoutFromStruct(s *btf.Struct) (kprobeLayout, error) {
	var (
		l     = kprobeLayout{FromBTF: true}
		found int
	)
	for _, m := range s.Members {
		switch m.Name {
		case "addr":
			l.Addr = m.Offset.Bytes()
			found |= 1
		case "symbol_name":
			l.SymbolName = m.Offset.Bytes()
			found |= 2
		case "offset":
			l.Offset = m.Offset.Bytes()
			found |= 4
		}
	}
	if found != 7 {
		return fallbackLayout, fmt.Errorf("struct %s: missing members (found mask %#x)", s.Name, found)
	}
	return l, nil
}
