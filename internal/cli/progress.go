package cli

import (
	"fmt"
	"os"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/surgekit/godl/internal/events"
	"github.com/surgekit/godl/internal/types"
)

// progressView renders one mpb.Bar per task, fed by the Observer Bus.
// Grounded on the bar setup in other_examples' download-tools downloader
// (PrependDecorators name+percentage, AppendDecorators ETA+speed), wired
// here to events.Bus instead of a single in-process download loop so it
// covers every task the Scheduler runs concurrently.
type progressView struct {
	p    *mpb.Progress
	bars map[string]*mpb.Bar
}

func newProgressView() *progressView {
	return &progressView{
		p:    mpb.New(mpb.WithWidth(64), mpb.WithOutput(os.Stdout)),
		bars: make(map[string]*mpb.Bar),
	}
}

func (v *progressView) handle(evt events.Event) {
	switch evt.Kind {
	case events.TaskAdded, events.TaskUpdated:
		v.update(evt.Task)
	case events.TaskCompleted, events.TaskFailed, events.TaskRemoved:
		v.update(evt.Task)
	case events.AllTasksCompleted:
	}
}

func (v *progressView) update(t *types.Task) {
	if t == nil {
		return
	}
	bar, ok := v.bars[t.ID]
	if !ok {
		total := t.TotalSize
		if total <= 0 {
			total = 1
		}
		bar = v.p.AddBar(total,
			mpb.PrependDecorators(
				decor.Name(t.Filename, decor.WCSyncSpaceR),
				decor.Percentage(decor.WCSyncSpace),
			),
			mpb.AppendDecorators(
				decor.EwmaETA(decor.ET_STYLE_GO, 90),
				decor.Name(" ] "),
				decor.EwmaSpeed(decor.SizeB1024(0), "% .2f", 60),
			),
		)
		v.bars[t.ID] = bar
	}
	bar.SetCurrent(t.DownloadedSize)
	if t.Status == types.StatusCompleted || t.Status == types.StatusFailed || t.Status == types.StatusStopped || t.Status == types.StatusPaused {
		if !bar.Completed() {
			bar.SetCurrent(bar.Current())
			bar.Abort(false)
		}
	}
}

func (v *progressView) wait() { v.p.Wait() }

func printTaskError(t *types.Task) {
	if t.Error != "" {
		fmt.Fprintf(os.Stderr, "task %s failed: %s\n", t.ID, t.Error)
	}
}
