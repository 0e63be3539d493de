// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package ebpf

import (
	"fmt"

	"github.com/cilium/ebpf/asm"
	"github.com/mbeema/photonring/pkg/probe"
)

const (
	programName = "pr_register"
	scopeMap    = "pr_scope"
	eventsMap   = "pr_events"

	labelSubmit = "submit"
	labelExit   = "exit"
)

// buildProgram assembles the kprobe program for register_kprobe. The
// program runs on every call and does, in order:
//
//   - drop the call unless bpf_get_func_ip() is in the scope map
//   - reserve one probe.RecordSize ring buffer record
//   - snapshot time, task, cpu and the register-passed arguments
//   - if argument 0 is non-null, copy addr, symbol_name and offset out of
//     the struct kprobe, then the symbol string itself
//   - submit and return 0
//
// It never writes to the context, so the intercepted call is unchanged.
func buildProgram(scopeFD, eventsFD int, layout kprobeLayout) (asm.Instructions, error) {
	arg0, err := probe.ArgOffset(0)
	if err != nil {
		return nil, err
	}

	insns := asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),

		// Scope check.
		asm.FnGetFuncIp.Call(),
		asm.StoreMem(asm.RFP, -8, asm.R0, asm.DWord),
		asm.LoadMapPtr(asm.R1, scopeFD),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -8),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, labelExit),

		// Reserve.
		asm.LoadMapPtr(asm.R1, eventsFD),
		asm.Mov.Imm(asm.R2, probe.RecordSize),
		asm.Mov.Imm(asm.R3, 0),
		asm.FnRingbufReserve.Call(),
		asm.JEq.Imm(asm.R0, 0, labelExit),
		asm.Mov.Reg(asm.R7, asm.R0),

		asm.FnKtimeGetNs.Call(),
		asm.StoreMem(asm.R7, probe.OffTimestamp, asm.R0, asm.DWord),
		asm.FnGetCurrentPidTgid.Call(),
		asm.StoreMem(asm.R7, probe.OffPIDTGID, asm.R0, asm.DWord),
		asm.LoadMem(asm.R0, asm.RFP, -8, asm.DWord),
		asm.StoreMem(asm.R7, probe.OffFuncIP, asm.R0, asm.DWord),
	}

	for i := 0; i < probe.CapturedArgs; i++ {
		dst := int16(probe.OffArgs + 8*i)
		if i >= probe.CapturedArgCount() {
			insns = append(insns, asm.StoreImm(asm.R7, dst, 0, asm.DWord))
			continue
		}
		off, err := probe.ArgOffset(i)
		if err != nil {
			return nil, err
		}
		insns = append(insns,
			asm.LoadMem(asm.R0, asm.R6, off, asm.DWord),
			asm.StoreMem(asm.R7, dst, asm.R0, asm.DWord),
		)
	}

	insns = append(insns,
		asm.FnGetSmpProcessorId.Call(),
		asm.StoreMem(asm.R7, probe.OffCPU, asm.R0, asm.Word),

		asm.Mov.Reg(asm.R1, asm.R7),
		asm.Add.Imm(asm.R1, probe.OffComm),
		asm.Mov.Imm(asm.R2, probe.CommLen),
		asm.FnGetCurrentComm.Call(),

		// Descriptor fields default to absent.
		asm.StoreImm(asm.R7, probe.OffKprobeAddr, 0, asm.DWord),
		asm.StoreImm(asm.R7, probe.OffSymbolPtr, 0, asm.DWord),
		asm.StoreImm(asm.R7, probe.OffKprobeOffset, 0, asm.Word),
		asm.StoreImm(asm.R7, probe.OffSymbol, 0, asm.Byte),

		asm.LoadMem(asm.R8, asm.R6, arg0, asm.DWord),
		asm.JEq.Imm(asm.R8, 0, labelSubmit),
	)

	insns = append(insns, readKernel(probe.OffKprobeAddr, 8, layout.Addr)...)
	insns = append(insns, readKernel(probe.OffSymbolPtr, 8, layout.SymbolName)...)
	insns = append(insns, readKernel(probe.OffKprobeOffset, 4, layout.Offset)...)

	insns = append(insns,
		asm.LoadMem(asm.R3, asm.R7, probe.OffSymbolPtr, asm.DWord),
		asm.JEq.Imm(asm.R3, 0, labelSubmit),
		asm.Mov.Reg(asm.R1, asm.R7),
		asm.Add.Imm(asm.R1, probe.OffSymbol),
		asm.Mov.Imm(asm.R2, probe.SymbolLen),
		asm.FnProbeReadKernelStr.Call(),

		asm.Mov.Reg(asm.R1, asm.R7).WithSymbol(labelSubmit),
		asm.Mov.Imm(asm.R2, 0),
		asm.FnRingbufSubmit.Call(),

		asm.Mov.Imm(asm.R0, 0).WithSymbol(labelExit),
		asm.Return(),
	)

	if err := checkLabels(insns); err != nil {
		return nil, err
	}
	return insns, nil
}

// readKernel copies size bytes at r8+member into the record at dst.
func readKernel(dst int32, size int32, member uint32) asm.Instructions {
	return asm.Instructions{
		asm.Mov.Reg(asm.R1, asm.R7),
		asm.Add.Imm(asm.R1, dst),
		asm.Mov.Imm(asm.R2, size),
		asm.Mov.Reg(asm.R3, asm.R8),
		asm.Add.Imm(asm.R3, int32(member)),
		asm.FnProbeReadKernel.Call(),
	}
}

// checkLabels verifies every jump target is defined exactly once.
func checkLabels(insns asm.Instructions) error {
	defined := make(map[string]int)
	for _, ins := range insns {
		if sym := ins.Symbol(); sym != "" {
			defined[sym]++
		}
	}
	for _, ins := range insns {
		if ref := ins.Reference(); ref != "" {
			if defined[ref] != 1 {
				return fmt.Errorf("jump to %q: label defined %d times", ref, defined[ref])
			}
		}
	}
	return nil
}
