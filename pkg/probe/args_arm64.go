//go:build arm64

package probe

// AAPCS64: x0..x7. The kprobe context starts with user_pt_regs.regs[31].
var (
	argRegOffsets = []int16{0, 8, 16, 24, 32, 40, 48, 56}
	argRegNames   = []string{"x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7"}
)
