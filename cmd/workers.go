// cmd/workers.go
package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/meshdispatch/internal/factory"
)

var (
	workersDirs []string
	workersExt  string
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List the worker descriptors the broker would discover",
	Example: `  meshdispatch workers --dir ./workers --dir /opt/meshers
  meshdispatch workers --ext .mesher`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fc := cfg.Factory
		if len(workersDirs) > 0 {
			fc.SearchDirs = workersDirs
		}
		if workersExt != "" {
			fc.Extension = workersExt
		}
		f, err := factory.New(fc)
		if err != nil {
			return err
		}
		_, discoverErr := f.Discover()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		headerColor.Fprintln(w, "TYPE\tEXECUTABLE\tARGUMENTS\tDESCRIPTOR")
		for _, info := range f.Workers() {
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", info.Type, info.ExecutionPath, info.Arguments, info.Descriptor)
		}
		w.Flush()

		if discoverErr != nil {
			warnColor.Fprintf(os.Stderr, "Warning: %v\n", discoverErr)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workersCmd)
	workersCmd.Flags().StringSliceVar(&workersDirs, "dir", nil, "Directories to search, in order")
	workersCmd.Flags().StringVar(&workersExt, "ext", "", "Descriptor extension (default .rw)")
}
