// gosession multiplies two constants under a session, the way the classic graph/session walkthrough does.
//
// It evaluates Mul(Const(a), Const(b)) three times: with a session closed explicitly, with a scoped
// session (session.With), and with a session configured from the command-line flags. Each result
// is printed to stdout.
//
// Example:
//
//	$ gosession
//	30
//	30
//	30
//	$ gosession -device=/gpu:0 -runs=1000 -stats
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gosession/backends"
	_ "github.com/gomlx/gosession/backends/simplego"
	"github.com/gomlx/gosession/pkg/core/graph"
	"github.com/gomlx/gosession/pkg/core/tensors"
	"github.com/gomlx/gosession/pkg/session"
	"github.com/gomlx/gosession/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagA      = flag.Float64("a", 5, "Value of the first constant.")
	flagB      = flag.Float64("b", 6, "Value of the second constant.")
	flagDevice = flag.String("device", "",
		"Device requested for the multiplication, e.g. \"/cpu:0\" or \"/device:GPU:0\". Empty means any device.")
	flagRuns  = flag.Int("runs", 1, "Number of times to run the configured session. More than one displays a progress bar.")
	flagStats = flag.Bool("stats", false, "Display the placement of each op and the run statistics of the configured session.")

	// The configured form of the walkthrough enables both soft placement and placement logging.
	configFlags = session.RegisterFlags(nil, session.NewSessionConfig().
			SetAllowSoftPlacement(true).
			SetLogDevicePlacement(true))

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("Unexpected arguments %q. See 'gosession -help'.", flag.Args())
		os.Exit(1)
	}
	if *flagRuns < 1 {
		klog.Errorf("-runs must be at least 1, got %d", *flagRuns)
		os.Exit(1)
	}

	g, c, err := buildGraph(*flagA, *flagB, *flagDevice)
	if err != nil {
		klog.Errorf("Invalid -device: %v", err)
		os.Exit(1)
	}
	defer g.Finalize()

	// Unconfigured forms only take the backend from the flags: their placement is strict.
	cfg := configFlags.ConfigFromFlags()
	plain := session.NewSessionConfig().SetBackendConfig(cfg.BackendConfig())
	for _, form := range []func(*graph.Graph, *graph.Node, *session.SessionConfig) error{explicitClose, scoped} {
		err := form(g, c, plain)
		if errors.Is(err, session.ErrInvalidPlacement) {
			klog.Warningf("Skipping form without soft placement: %v", err)
			continue
		}
		must.M(err)
	}
	if err := configured(g, c, cfg); err != nil {
		klog.Errorf("Configured session failed: %+v", err)
		os.Exit(1)
	}
}

// buildGraph creates the graph for Mul(Const(a), Const(b)), and returns it and the multiplication node.
// If device is not empty, the multiplication requests that device.
func buildGraph(a, b float64, device string) (g *graph.Graph, c *graph.Node, err error) {
	spec, err := backends.ParseDeviceSpec(device)
	if err != nil {
		return nil, nil, err
	}
	g = graph.NewGraph("gosession")
	aNode := graph.Const(g, float32(a))
	bNode := graph.Const(g, float32(b))
	g.WithDeviceSpec(spec, func() { c = graph.Mul(aNode, bNode) })
	return g, c, nil
}

func printResult(results []*tensors.Tensor) {
	fmt.Println(results[0])
	results[0].Finalize()
}

// explicitClose creates a session, runs it and closes it explicitly.
func explicitClose(g *graph.Graph, c *graph.Node, cfg *session.SessionConfig) error {
	sess, err := session.New(g, session.WithConfig(cfg))
	if err != nil {
		return err
	}
	results, err := sess.Run(c)
	if err != nil {
		_ = sess.Close()
		return err
	}
	printResult(results)
	return sess.Close()
}

// scoped runs the graph in a session released by session.With.
func scoped(g *graph.Graph, c *graph.Node, cfg *session.SessionConfig) error {
	return session.With(g, func(sess *session.Session) error {
		results, err := sess.Run(c)
		if err != nil {
			return err
		}
		printResult(results)
		return nil
	}, session.WithConfig(cfg))
}

// configured runs the graph -runs times with the configuration given by the flags.
func configured(g *graph.Graph, c *graph.Node, cfg *session.SessionConfig) error {
	return session.With(g, func(sess *session.Session) error {
		var results []*tensors.Tensor
		var err error
		if *flagRuns > 1 {
			results, err = commandline.RunWithProgressBar(context.Background(), sess, *flagRuns, nil, c)
		} else {
			results, err = sess.Run(c)
		}
		if err != nil {
			return err
		}
		printResult(results)
		if *flagStats {
			fmt.Println(titleStyle.Render(fmt.Sprintf("Placement (%s)", sess.Config())))
			fmt.Println(commandline.PlacementTable(sess.PlacementReport()))
			fmt.Println(titleStyle.Render("Statistics"))
			fmt.Println(commandline.StatsTable(sess.Stats()))
		}
		return nil
	}, session.WithConfig(cfg))
}
