package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/surgekit/godl/internal/events"
	"github.com/surgekit/godl/internal/scheduler"
)

var rmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a task, stopping it first if it is running",
	Args:  cobra.ExactArgs(1),
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
		sched, err := scheduler.New(cfgFile.SchedulerConfig(), st, events.New(), logger)
		if err != nil {
			fatalf("initializing scheduler: %v", err)
		}
		if err := sched.RemoveTask(args[0]); err != nil {
			fatalf("removing task: %v", err)
		}
		fmt.Printf("removed task %s\n", args[0])
	},
}
