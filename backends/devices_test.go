package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDeviceSpec(t *testing.T) {
	testCases := []struct {
		name  string
		want  DeviceSpec
		canon string
	}{
		{"", AnyDevice(), ""},
		{"/device:GPU:0", DeviceSpec{Replica: AnyIndex, Task: AnyIndex, Type: GPU, Index: 0}, "/device:GPU:0"},
		{"/gpu:1", DeviceSpec{Replica: AnyIndex, Task: AnyIndex, Type: GPU, Index: 1}, "/device:GPU:1"},
		{"/cpu:0", DeviceSpec{Replica: AnyIndex, Task: AnyIndex, Type: CPU, Index: 0}, "/device:CPU:0"},
		{"CPU:0", DeviceSpec{Replica: AnyIndex, Task: AnyIndex, Type: CPU, Index: 0}, "/device:CPU:0"},
		{"gpu", DeviceSpec{Replica: AnyIndex, Task: AnyIndex, Type: GPU, Index: AnyIndex}, "/device:GPU:*"},
		{"/device:TPU:*", DeviceSpec{Replica: AnyIndex, Task: AnyIndex, Type: "TPU", Index: AnyIndex}, "/device:TPU:*"},
		{"/job:localhost/replica:0/task:0/device:CPU:0",
			DeviceSpec{Job: "localhost", Replica: 0, Task: 0, Type: CPU, Index: 0},
			"/job:localhost/replica:0/task:0/device:CPU:0"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseDeviceSpec(tc.name)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.canon, got.String())
		})
	}
	require.True(t, MustParseDeviceSpec("").IsEmpty())
	require.False(t, MustParseDeviceSpec("/cpu:0").IsEmpty())
}

func TestParseDeviceSpecErrors(t *testing.T) {
	for _, name := range []string{
		"//device:CPU:0",
		"/device",
		"/device:CPU:x",
		"/device:CPU:-1",
		"/device:C-PU:0",
		"/job:",
		"/cpu:0/gpu:0",
	} {
		_, err := ParseDeviceSpec(name)
		require.Errorf(t, err, "device name %q should have failed to parse", name)
	}
	require.Panics(t, func() { _ = MustParseDeviceSpec("/device:CPU:x") })
}

func TestDeviceSpecMatches(t *testing.T) {
	cpu0 := DeviceDescription{Num: 0, Type: CPU, Index: 0}
	cpu1 := DeviceDescription{Num: 1, Type: CPU, Index: 1}
	require.Equal(t, "/job:localhost/replica:0/task:0/device:CPU:1", cpu1.FullName())

	require.True(t, AnyDevice().Matches(cpu0))
	require.True(t, MustParseDeviceSpec("/cpu:0").Matches(cpu0))
	require.False(t, MustParseDeviceSpec("/cpu:0").Matches(cpu1))
	require.True(t, MustParseDeviceSpec("/device:CPU:*").Matches(cpu1))
	require.False(t, MustParseDeviceSpec("/device:GPU:0").Matches(cpu0))
	require.False(t, MustParseDeviceSpec("/job:worker/device:CPU:0").Matches(cpu0))
	require.False(t, MustParseDeviceSpec("/replica:1/device:CPU:0").Matches(cpu0))
	require.True(t, MustParseDeviceSpec("/job:localhost/replica:0/task:0/device:CPU:0").Matches(cpu0))
}

func TestDeviceSpecMerge(t *testing.T) {
	outer := MustParseDeviceSpec("/job:localhost/device:GPU:1")
	assert.Equal(t, "/job:localhost/device:CPU:1", outer.Merge(MustParseDeviceSpec("/device:CPU")).String())
	assert.Equal(t, "/job:localhost/device:GPU:0", outer.Merge(MustParseDeviceSpec("/gpu:0")).String())
	assert.Equal(t, outer, outer.Merge(AnyDevice()))
	assert.Equal(t, outer, AnyDevice().Merge(outer))
}
