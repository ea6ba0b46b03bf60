package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/surgekit/godl/internal/humanize"
	"github.com/surgekit/godl/internal/types"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List known tasks",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		logger := newLogger()
		st, err := openStore(logger)
		if err != nil {
			fatalf("opening task store: %v", err)
		}
		tasks, err := st.Load()
		if err != nil {
			fatalf("loading tasks: %v", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tSIZE\tFILENAME")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				t.ID, t.Status, progressOf(t), sizeOf(t), t.Filename)
		}
		w.Flush()
	},
}

func progressOf(t *types.Task) string {
	if t.TotalSize <= 0 {
		return humanize.Bytes(t.DownloadedSize)
	}
	return humanize.Percent(100 * float64(t.DownloadedSize) / float64(t.TotalSize))
}

func sizeOf(t *types.Task) string {
	if t.TotalSize <= 0 {
		return "?"
	}
	return humanize.Bytes(t.TotalSize)
}
