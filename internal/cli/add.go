package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/surgekit/godl/internal/events"
	"github.com/surgekit/godl/internal/scheduler"
)

var (
	addDir         string
	addName        string
	addConnections int
)

var addCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Register a download without starting it",
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

		dir := addDir
		if dir == "" {
			dir = cfgFile.General.DefaultDownloadDir
		}
		if dir == "" {
			wd, err := os.Getwd()
			if err != nil {
				fatalf("resolving working directory: %v", err)
			}
			dir = wd
		}
		absDir, err := filepath.Abs(dir)
		if err != nil {
			fatalf("resolving save directory: %v", err)
		}

		task, err := sched.AddTask(args[0], absDir, addName, addConnections)
		if err != nil {
			fatalf("adding task: %v", err)
		}
		fmt.Printf("added task %s (%s)\n", task.ID, task.URL)
	},
}

func init() {
	addCmd.Flags().StringVarP(&addDir, "dir", "d", "", "destination directory (default: config default, then current directory)")
	addCmd.Flags().StringVarP(&addName, "name", "n", "", "filename override (default: derived from the server response)")
	addCmd.Flags().IntVarP(&addConnections, "connections", "c", 0, "number of connections (default: config default)")
}
