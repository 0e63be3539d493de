//go:build amd64

package probe

// x86-64 SysV: rdi, rsi, rdx, rcx, r8, r9.
//
//	struct pt_regs { r15 r14 r13 r12 bp bx r11 r10 r9 r8 ax cx dx si di orig_ax ip cs flags sp ss }
var (
	argRegOffsets = []int16{112, 104, 96, 88, 72, 64}
	argRegNames   = []string{"rdi", "rsi", "rdx", "rcx", "r8", "r9"}
)
