package main

import (
	"testing"

	"github.com/gomlx/gosession/backends"
	"github.com/gomlx/gosession/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildGraph(t *testing.T) {
	g, c, err := buildGraph(5, 6, "")
	require.NoError(t, err)
	assert.True(t, c.RequestedDevice().IsEmpty())
	err = session.With(g, func(sess *session.Session) error {
		results, err := sess.Run(c)
		require.NoError(t, err)
		assert.Equal(t, "30", results[0].String())
		return nil
	})
	require.NoError(t, err)

	_, c, err = buildGraph(5, 6, "/gpu:1")
	require.NoError(t, err)
	assert.Equal(t, backends.MustParseDeviceSpec("/device:GPU:1"), c.RequestedDevice())

	for _, device := range []string{"bad/", "/device:CPU:x", "/job:"} {
		_, _, err = buildGraph(5, 6, device)
		assert.Errorf(t, err, "-device=%q should have been rejected", device)
	}
}
