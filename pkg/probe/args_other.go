//go:build !amd64 && !arm64

package probe

var (
	argRegOffsets []int16
	argRegNames   []string
)
