package ebpf

import (
	"runtime"
	"testing"

	"github.com/mbeema/photonring/pkg/hook"
	"github.com/mbeema/photonring/pkg/ksym"
	"github.com/mbeema/photonring/pkg/probe"
	"github.com/stretchr/testify/assert"
)

func TestParseKernelVersion(t *testing.T) {
	major, minor, err := parseKernelVersion("6.8.0-45-generic")
	assert.NoError(t, err)
	assert.Equal(t, 6, major)
	assert.Equal(t, 8, minor)

	_, _, err = parseKernelVersion("unknown")
	assert.Error(t, err)
}

func TestCheckKernelVersion(t *testing.T) {
	tests := []struct {
		kver string
		ok   bool
	}{
		{"5.15.0-91-generic", true},
		{"6.1.55", true},
		{"5.14.21", false},
		{"4.19.0", false},
		{"unknown", false},
	}
	for _, tt := range tests {
		t.Run(tt.kver, func(t *testing.T) {
			reason := checkKernelVersion(tt.kver)
			if tt.ok {
				assert.Empty(t, reason)
			} else {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestScopeKeys(t *testing.T) {
	keys := scopeKeys(0xffffffff81234560)
	assert.Equal(t, uint64(0xffffffff81234560), keys[0])
	if runtime.GOARCH == "amd64" {
		assert.Equal(t, []uint64{0xffffffff81234560, 0xffffffff81234564}, keys)
	} else {
		assert.Len(t, keys, 1)
	}
}

func TestStubBinderFailsInstall(t *testing.T) {
	r := hook.NewRegistrar(NewStubBinder("kernel 5.4 < 5.15"))
	h, err := r.Install(ksym.Target{Name: "register_kprobe", Addr: 0x1000}, func(*probe.InterceptedCall) {})
	assert.Nil(t, h)

	var fe *hook.FilterConfigError
	assert.ErrorAs(t, err, &fe)
	assert.Contains(t, err.Error(), "5.15")
}
