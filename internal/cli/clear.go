package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/surgekit/godl/internal/events"
	"github.com/surgekit/godl/internal/scheduler"
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all completed tasks",
	Args:  cobra.NoArgs,
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
		if err := sched.ClearCompleted(); err != nil {
			fatalf("clearing tasks: %v", err)
		}
		fmt.Println("cleared")
	},
}
