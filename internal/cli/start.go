package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/surgekit/godl/internal/events"
	"github.com/surgekit/godl/internal/scheduler"
	"github.com/surgekit/godl/internal/types"
)

var startCmd = &cobra.Command{
	Use:   "start [id...]",
	Short: "Run the scheduler in the foreground until all tasks finish or Ctrl+C",
	Long: "start is the one long-lived godl process: it loads the task store, " +
		"admits the given tasks (or every startable task when none are named), " +
		"and blocks rendering progress bars until they all reach a terminal " +
		"state or it is interrupted, at which point running tasks are paused " +
		"cleanly and can be resumed by a later start.",
	Run: func(cmd *cobra.Command, args []string) {
		logger := newLogger()
		st, err := openStore(logger)
		if err != nil {
			fatalf("opening task store: %v", err)
		}
		cfgFile, err := loadConfigFile()
		if err != nil {
			fatalf("loading config: %v", err)
		}

		bus := events.New()
		sched, err := scheduler.New(cfgFile.SchedulerConfig(), st, bus, logger)
		if err != nil {
			fatalf("initializing scheduler: %v", err)
		}

		sub, unsubscribe := bus.Subscribe()
		defer unsubscribe()

		view := newProgressView()
		done := make(chan struct{})
		stopView := make(chan struct{})
		handle := func(evt events.Event) {
			view.handle(evt)
			if evt.Kind == events.TaskFailed {
				printTaskError(evt.Task)
			}
		}
		go func() {
			defer close(done)
			for {
				select {
				case evt := <-sub:
					handle(evt)
				case <-stopView:
					// The bus never closes sub: drain what is buffered, then return.
					for {
						select {
						case evt := <-sub:
							handle(evt)
						default:
							return
						}
					}
				}
			}
		}()

		ids := args
		if len(ids) == 0 {
			for _, t := range sched.ListTasks() {
				if t.CanStart() {
					ids = append(ids, t.ID)
				}
			}
		}
		if len(ids) == 0 {
			fmt.Fprintln(os.Stderr, "nothing to start")
			return
		}
		for _, id := range ids {
			if err := sched.StartTask(id); err != nil {
				fatalf("starting task %s: %v", id, err)
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		waitForTerminal(ctx, sched, ids)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sched.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("shutdown did not complete cleanly")
		}

		unsubscribe()
		close(stopView)
		<-done
		view.wait()
	},
}

// waitForTerminal blocks until every task in ids reaches a terminal state
// or ctx is cancelled (Ctrl+C / SIGTERM), polling the scheduler's
// snapshot at a modest interval since the bus only notifies interested
// subscribers, not this loop's exit condition.
func waitForTerminal(ctx context.Context, sched *scheduler.Scheduler, ids []string) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if allTerminal(sched, ids) {
				return
			}
		}
	}
}

func allTerminal(sched *scheduler.Scheduler, ids []string) bool {
	for _, id := range ids {
		t, err := sched.GetTask(id)
		if err != nil {
			continue
		}
		switch t.Status {
		case types.StatusCompleted, types.StatusFailed, types.StatusStopped:
		default:
			return false
		}
	}
	return true
}
