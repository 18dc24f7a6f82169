package commandline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/gosession/pkg/core/graph"
	"github.com/gomlx/gosession/pkg/core/tensors"
	"github.com/gomlx/gosession/pkg/session"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// progressBar holds a progressbar being displayed, along with a table of the session stats.
type progressBar struct {
	bar *progressbar.ProgressBar

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	numLinesPrinted  int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
}

type progressBarUpdate struct {
	amount int
	stats  session.Stats
}

func newProgressBar(numRuns int) *progressBar {
	pBar := &progressBar{
		termenv:    termenv.NewOutput(Output),
		statsStyle: lipgloss.NewStyle().PaddingLeft(8),
		statsTable: newTable(),
		updates:    make(chan progressBarUpdate, 100), // Large buffer so runs are not blocked.
	}
	pBar.bar = progressbar.NewOptions(numRuns,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("runs"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(Output),
	)
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates()
	return pBar
}

// drawUpdates asynchronously: this is handy if the runs are faster than the terminal.
func (pBar *progressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range statsRows(update.stats) {
			pBar.statsTable.Row(row...)
		}
		rendered := pBar.statsStyle.Render(pBar.statsTable.String())

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if pBar.numLinesPrinted > 0 {
			pBar.termenv.CursorPrevLine(pBar.numLinesPrinted)
		}
		_, _ = fmt.Fprintln(Output, rendered)
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		_, _ = fmt.Fprintln(Output)
		pBar.numLinesPrinted = strings.Count(rendered, "\n") + 2
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

func (pBar *progressBar) done() {
	close(pBar.updates)
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
}

// RunWithProgressBar runs the session numRuns times, displaying a progress bar and a table with the session
// stats in Output.
//
// It returns the results of the last run, or the first error. The results of the previous runs are finalized.
func RunWithProgressBar(ctx context.Context, sess *session.Session, numRuns int, feeds graph.FeedMap,
	fetches ...*graph.Node) ([]*tensors.Tensor, error) {
	pBar := newProgressBar(numRuns)
	defer pBar.done()

	var results []*tensors.Tensor
	lastUpdate := 0
	for runIdx := range numRuns {
		for _, t := range results {
			t.Finalize()
		}
		var err error
		results, err = sess.RunWithContext(ctx, feeds, fetches...)
		if err != nil {
			return nil, err
		}
		if runIdx == numRuns-1 || runIdx%10 == 0 {
			pBar.updates <- progressBarUpdate{amount: runIdx + 1 - lastUpdate, stats: sess.Stats()}
			lastUpdate = runIdx + 1
		}
	}
	return results, nil
}
