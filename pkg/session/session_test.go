package session

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gosession/backends"
	_ "github.com/gomlx/gosession/backends/simplego"
	"github.com/gomlx/gosession/pkg/core/graph"
	"github.com/gomlx/gosession/pkg/core/shapes"
	"github.com/gomlx/gosession/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// fiveTimesSix builds the graph c = 5 * 6.
func fiveTimesSix() (g *graph.Graph, c *graph.Node) {
	g = graph.NewGraph("five_times_six")
	a := graph.Const(g, float32(5))
	b := graph.Const(g, float32(6))
	c = graph.Mul(a, b)
	return
}

func TestExplicitClose(t *testing.T) {
	g, c := fiveTimesSix()
	sess, err := New(g)
	require.NoError(t, err)
	require.NotEmpty(t, sess.Handle())
	require.Same(t, g, sess.Graph())

	results, err := sess.Run(c)
	require.NoError(t, err)
	require.Len(t, results, 1)
	fmt.Printf("\t5 * 6 = %s\n", results[0])
	assert.Equal(t, float32(30), results[0].Value())
	assert.Equal(t, "30", results[0].String())
	got, err := tensors.ToScalar[float32](results[0])
	require.NoError(t, err)
	assert.Equal(t, float32(30), got)

	require.NoError(t, sess.Close())
	require.True(t, sess.IsClosed())
	require.True(t, sess.Backend().(interface{ IsFinalized() bool }).IsFinalized(), "owned backend is finalized")
	_, err = sess.Run(c)
	require.ErrorIs(t, err, ErrSessionClosed)
	_, err = sess.Placement(c)
	require.ErrorIs(t, err, ErrSessionClosed)
	require.NoError(t, sess.Close(), "Close is idempotent")
}

func TestHandlesAreUnique(t *testing.T) {
	g, _ := fiveTimesSix()
	sess1, err := New(g)
	require.NoError(t, err)
	defer func() { _ = sess1.Close() }()
	sess2, err := New(g)
	require.NoError(t, err)
	defer func() { _ = sess2.Close() }()
	assert.NotEqual(t, sess1.Handle(), sess2.Handle())
}

func TestWith(t *testing.T) {
	g, c := fiveTimesSix()
	var captured *Session
	err := With(g, func(sess *Session) error {
		captured = sess
		results, err := sess.Run(c)
		if err != nil {
			return err
		}
		assert.Equal(t, float32(30), results[0].Value())
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, captured)
	assert.True(t, captured.IsClosed(), "session must be closed at the end of With")

	// Errors are returned, and the session is still closed.
	errFn := errors.New("fn failed")
	err = With(g, func(sess *Session) error {
		captured = sess
		return errFn
	})
	require.ErrorIs(t, err, errFn)
	assert.True(t, captured.IsClosed())

	// Panics are recovered.
	err = With(g, func(sess *Session) error {
		captured = sess
		panic("boom")
	})
	require.ErrorContains(t, err, "boom")
	assert.True(t, captured.IsClosed())

	// Invalid backend: fn is never called.
	called := false
	err = With(g, func(sess *Session) error {
		called = true
		return nil
	}, WithConfig(NewSessionConfig().SetBackendConfig("unknown_backend")))
	require.Error(t, err)
	assert.False(t, called)
}

func TestSessionConfig(t *testing.T) {
	cfg := NewSessionConfig()
	assert.Equal(t, "", cfg.String())
	cfg.SetAllowSoftPlacement(true).SetLogDevicePlacement(true)
	assert.True(t, cfg.AllowSoftPlacement())
	assert.True(t, cfg.LogDevicePlacement())
	assert.Equal(t, "allow_soft_placement:true log_device_placement:true", cfg.String())

	clone := cfg.Clone().SetIntraOpParallelismThreads(2).SetBackendConfig("go")
	assert.Equal(t, 0, cfg.IntraOpParallelismThreads())
	assert.Equal(t, 2, clone.IntraOpParallelismThreads())
	assert.Equal(t, "go", clone.BackendConfig())
	assert.Equal(t, `intra_op_parallelism_threads:2 allow_soft_placement:true log_device_placement:true backend_config:"go"`,
		clone.String())

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := RegisterFlags(fs, NewSessionConfig().SetLogDevicePlacement(true))
	require.NoError(t, fs.Parse([]string{"-allow_soft_placement", "-backend=go:cpus=2", "-intra_op_parallelism_threads=3"}))
	fromFlags := flags.ConfigFromFlags()
	assert.True(t, fromFlags.AllowSoftPlacement())
	assert.True(t, fromFlags.LogDevicePlacement(), "default value")
	assert.Equal(t, 3, fromFlags.IntraOpParallelismThreads())
	assert.Equal(t, "go:cpus=2", fromFlags.BackendConfig())

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	flags = RegisterFlags(fs, nil)
	require.NoError(t, fs.Parse(nil))
	assert.Equal(t, "", flags.ConfigFromFlags().String())
}

func TestWithBackendOption(t *testing.T) {
	assert.Equal(t, "go:parallelism=2", withBackendOption("go", "parallelism=2"))
	assert.Equal(t, "go:cpus=2,parallelism=2", withBackendOption("go:cpus=2", "parallelism=2"))
	assert.Equal(t, ":parallelism=2", withBackendOption("", "parallelism=2"))
}

func TestPlacement(t *testing.T) {
	g := graph.NewGraph("placement")
	a := graph.Const(g, float32(5))
	b := graph.Const(g, float32(6))
	var c *graph.Node
	g.WithDevice("/device:GPU:0", func() {
		c = graph.Mul(a, b)
	})

	// Strict placement fails: the backend has no GPUs.
	sess, err := New(g)
	require.NoError(t, err)
	_, err = sess.Run(c)
	require.ErrorIs(t, err, ErrInvalidPlacement)
	assert.ErrorContains(t, err, `"mul"`)
	assert.Equal(t, int64(1), sess.Stats().ErrorCount)
	_, err = sess.Placement(c)
	require.ErrorIs(t, err, ErrInvalidPlacement)
	require.NoError(t, sess.Close())

	// Soft placement falls back to the CPU.
	cfg := NewSessionConfig().SetAllowSoftPlacement(true).SetLogDevicePlacement(true)
	err = With(g, func(sess *Session) error {
		results, err := sess.Run(c)
		require.NoError(t, err)
		assert.Equal(t, float32(30), results[0].Value())
		device, err := sess.Placement(c)
		require.NoError(t, err)
		assert.Equal(t, "/job:localhost/replica:0/task:0/device:CPU:0", device)
		assert.Equal(t, []string{
			"Const: (Constant): /job:localhost/replica:0/task:0/device:CPU:0",
			"Const_1: (Constant): /job:localhost/replica:0/task:0/device:CPU:0",
			"mul: (Mul): /job:localhost/replica:0/task:0/device:CPU:0",
		}, sess.PlacementReport())
		return nil
	}, WithConfig(cfg))
	require.NoError(t, err)
}

func TestMultipleDevices(t *testing.T) {
	g := graph.NewGraph("devices")
	x := graph.Const(g, []float32{1, 2, 3})
	var y *graph.Node
	g.WithDevice("/cpu:1", func() {
		y = graph.Neg(x)
	})
	cfg := NewSessionConfig().SetBackendConfig("go:cpus=2").SetIntraOpParallelismThreads(2)
	sess, err := New(g, WithConfig(cfg))
	require.NoError(t, err)
	defer func() { require.NoError(t, sess.Close()) }()
	require.Len(t, sess.Devices(), 2)

	results, err := sess.Run(x, y)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, results[0].Value())
	assert.Equal(t, backends.DeviceNum(0), results[0].DeviceNum())
	assert.Equal(t, []float32{-1, -2, -3}, results[1].Value())
	assert.Equal(t, backends.DeviceNum(1), results[1].DeviceNum())
	device, err := sess.Placement(y)
	require.NoError(t, err)
	assert.Equal(t, "/job:localhost/replica:0/task:0/device:CPU:1", device)
}

func TestFeeds(t *testing.T) {
	g := graph.NewGraph("feeds")
	x := graph.Placeholder(g, "x", shapes.Make(dtypes.Float64, 2))
	scale := graph.Placeholder(g, "scale", shapes.Make(dtypes.Float64))
	y := graph.Mul(x, scale)
	z := graph.Add(graph.Const(g, 1.0), scale)

	err := With(g, func(sess *Session) error {
		results, err := sess.RunWithFeeds(graph.FeedMap{x: []float64{1, 2}, scale: 3.0}, y)
		require.NoError(t, err)
		assert.Equal(t, []float64{3, 6}, results[0].Value())

		// Tensors can be fed, and unneeded feeds are ignored.
		results, err = sess.RunWithFeeds(graph.FeedMap{x: []float64{1, 2}, scale: tensors.FromScalar(10.0)}, z)
		require.NoError(t, err)
		assert.Equal(t, 11.0, results[0].Value())

		_, err = sess.Run(y)
		require.ErrorContains(t, err, "must be fed")
		_, err = sess.RunWithFeeds(graph.FeedMap{x: []float64{1, 2, 3}, scale: 3.0}, y)
		require.Error(t, err, "wrong shape")
		_, err = sess.RunWithFeeds(graph.FeedMap{x: []float64{1, 2}, scale: float32(3)}, y)
		require.Error(t, err, "wrong dtype")
		_, err = sess.RunWithFeeds(graph.FeedMap{x: []float64{1, 2}, scale: nil}, y)
		require.Error(t, err, "nil value")
		_, err = sess.RunWithFeeds(graph.FeedMap{y: 1.0}, y)
		require.ErrorContains(t, err, "only placeholders can be fed")
		return nil
	})
	require.NoError(t, err)
}

func TestIntValues(t *testing.T) {
	g := graph.NewGraph("ints")
	c := graph.Mul(graph.Const(g, 5), graph.Const(g, 6))
	require.Equal(t, dtypes.Int64, c.DType())
	p := graph.Placeholder(g, "p", shapes.Make(dtypes.Int64))
	square := graph.Mul(p, p)

	err := With(g, func(sess *Session) error {
		results, err := sess.Run(c)
		require.NoError(t, err)
		assert.Equal(t, int64(30), results[0].Value())

		results, err = sess.RunWithFeeds(graph.FeedMap{p: 7}, square)
		require.NoError(t, err)
		assert.Equal(t, int64(49), results[0].Value())

		_, err = sess.RunWithFeeds(graph.FeedMap{p: []int{7}}, square)
		require.Error(t, err, "[]int is not the Go type of Int64")
		return nil
	})
	require.NoError(t, err)
}

func TestExceptionToError(t *testing.T) {
	err := exceptionToError(ErrSessionClosed, "run %d", 1)
	require.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, "run 1: session is closed", err.Error())

	err = exceptionToError("reflect.Copy: int64 != int", "run %d", 2)
	assert.Equal(t, "run 2: reflect.Copy: int64 != int", err.Error())
}

func TestRunErrors(t *testing.T) {
	g, c := fiveTimesSix()
	_, otherC := fiveTimesSix()
	err := With(g, func(sess *Session) error {
		_, err := sess.Run()
		require.Error(t, err, "no fetches")
		_, err = sess.Run(nil)
		require.Error(t, err, "nil fetch")
		_, err = sess.Run(otherC)
		require.ErrorContains(t, err, "not from the session graph")
		_, err = sess.Run(c)
		require.NoError(t, err)
		return nil
	})
	require.NoError(t, err)

	// Integer division by zero is an execution error.
	g = graph.NewGraph("div_by_zero")
	d := graph.Div(graph.Const(g, int32(6)), graph.Const(g, int32(0)))
	err = With(g, func(sess *Session) error {
		_, err := sess.Run(d)
		return err
	})
	require.ErrorContains(t, err, "division by zero")

	// Finalized graphs can't be used.
	g, c = fiveTimesSix()
	sess, err := New(g)
	require.NoError(t, err)
	g.Finalize()
	_, err = sess.Run(c)
	require.Error(t, err)
	require.NoError(t, sess.Close())
	_, err = New(g)
	require.Error(t, err)
}

func TestCache(t *testing.T) {
	g, c := fiveTimesSix()
	d := graph.Neg(c)
	sess, err := New(g)
	require.NoError(t, err)
	defer func() { _ = sess.Close() }()

	for range 3 {
		_, err = sess.Run(c)
		require.NoError(t, err)
	}
	stats := sess.Stats()
	assert.Equal(t, int64(3), stats.RunCount)
	assert.Equal(t, 1, stats.NumCompiled)
	assert.Greater(t, stats.TotalTime, time.Duration(0))
	assert.LessOrEqual(t, stats.LastRunTime, stats.TotalTime)
	assert.Equal(t, stats.TotalTime/3, stats.AverageTime())

	// Repeated fetches get independent tensors.
	results, err := sess.Run(c, d, c)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, float32(-30), results[1].Value())
	assert.NotSame(t, results[0], results[2])
	results[0].Finalize()
	assert.Equal(t, float32(30), results[2].Value())
	assert.Equal(t, 2, sess.Stats().NumCompiled)

	sess.ResetStats()
	assert.Equal(t, int64(0), sess.Stats().RunCount)
	assert.Equal(t, 2, sess.Stats().NumCompiled)
}

func TestRunWithContext(t *testing.T) {
	g, c := fiveTimesSix()
	sess, err := New(g)
	require.NoError(t, err)
	defer func() { _ = sess.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	results, err := sess.RunWithContext(ctx, nil, c)
	require.NoError(t, err)
	assert.Equal(t, float32(30), results[0].Value())

	cancel()
	_, err = sess.RunWithContext(ctx, nil, c)
	require.ErrorIs(t, err, context.Canceled)

	results, err = sess.RunWithTimeout(time.Minute, nil, c)
	require.NoError(t, err)
	assert.Equal(t, float32(30), results[0].Value())
}

func TestSharedBackend(t *testing.T) {
	backend, err := backends.NewWithConfig("go")
	require.NoError(t, err)
	defer backend.Finalize()

	g, c := fiveTimesSix()
	for range 2 {
		err = With(g, func(sess *Session) error {
			require.Same(t, backend, sess.Backend())
			results, err := sess.Run(c)
			require.NoError(t, err)
			assert.Equal(t, float32(30), results[0].Value())
			return nil
		}, WithBackend(backend), WithConfig(NewSessionConfig().SetIntraOpParallelismThreads(4)))
		require.NoError(t, err, "the shared backend must survive the closing of the previous session")
	}
}

func TestConcurrentRuns(t *testing.T) {
	g, c := fiveTimesSix()
	sess, err := New(g)
	require.NoError(t, err)

	var wg sync.WaitGroup
	numRuns := 20
	errs := make([]error, numRuns)
	for ii := range numRuns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := sess.Run(c)
			if err == nil && results[0].Value() != float32(30) {
				err = errors.Errorf("got %v", results[0])
			}
			errs[ii] = err
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, sess.Close())
	assert.Equal(t, int64(numRuns), sess.Stats().RunCount)
	assert.Equal(t, 1, sess.Stats().NumCompiled)
}
