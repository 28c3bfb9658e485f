package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-ml/loom/internal/tensor"
)

func TestUnavailableLauncher(t *testing.T) {
	var l Launcher = unavailable{}
	assert.False(t, l.Available())

	out := tensor.Zeros[float32](tensor.Shape{2})
	err := l.Dispatch(KernelSpec{Entry: "main", Workgroup: 64}, out, nil)
	require.Error(t, err)
}
