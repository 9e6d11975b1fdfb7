package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/incview/incview/builder"
	"github.com/incview/incview/catalog"
	"github.com/incview/incview/graph"
	"github.com/incview/incview/ivm"
	"github.com/incview/incview/output"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "incview <query file>",
	Args:  cobra.ExactArgs(1),
	Short: "Compile a query into an incremental pipeline and print its rows.",
	Example: `incview query.yaml
incview --catalog catalog.yaml --output json query.yaml
incview --explain query.yaml | dot -Tsvg > pipeline.svg`,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) (outErr error) {
		config, err := catalog.ReadConfig(catalogPath)
		if err != nil {
			return fmt.Errorf("couldn't read catalog: %w", err)
		}
		cat, err := catalog.NewCatalog(config)
		if err != nil {
			return fmt.Errorf("couldn't build catalog: %w", err)
		}
		defer func() {
			if err := cat.Close(); err != nil && outErr == nil {
				outErr = fmt.Errorf("couldn't close catalog: %w", err)
			}
		}()

		query, err := catalog.ReadQuery(args[0])
		if err != nil {
			return fmt.Errorf("couldn't read query: %w", err)
		}

		var delegate builder.Delegate = cat
		var recorder *graph.Recorder
		if explain {
			recorder = graph.NewRecorder(cat)
			delegate = recorder
		}
		b := builder.New(delegate, logr.Discard())

		var input ivm.Input
		if optimize {
			input, err = b.BuildOptimized(query)
		} else {
			input, err = b.Build(query)
		}
		if err != nil {
			return fmt.Errorf("couldn't build pipeline: %w", err)
		}
		defer input.Destroy()

		if explain {
			fmt.Fprint(os.Stdout, graph.Show(recorder.Edges()).String())
			return nil
		}

		stream, err := input.Fetch(ivm.FetchRequest{})
		if err != nil {
			return fmt.Errorf("couldn't fetch: %w", err)
		}
		nodes, err := ivm.DrainStream(stream)
		if err != nil {
			return fmt.Errorf("couldn't read rows: %w", err)
		}

		switch outputFormat {
		case "table":
			err = output.WriteTable(os.Stdout, input.Schema(), nodes)
		case "json":
			err = output.WriteJSON(os.Stdout, input.Schema(), nodes)
		default:
			return fmt.Errorf("invalid output format: %s", outputFormat)
		}
		if err != nil {
			return fmt.Errorf("couldn't write output: %w", err)
		}
		return nil
	},
}

func Execute(ctx context.Context) {
	cobra.CheckErr(rootCmd.ExecuteContext(ctx))
}

var catalogPath string
var outputFormat string
var explain bool
var optimize bool

func init() {
	rootCmd.Flags().StringVar(&catalogPath, "catalog", "catalog.yaml", "Path of the catalog definition.")
	rootCmd.Flags().StringVar(&outputFormat, "output", "table", "Output format. One of: table, json.")
	rootCmd.Flags().BoolVar(&explain, "explain", false, "Print the pipeline as graphviz dot instead of running it.")
	rootCmd.Flags().BoolVar(&optimize, "optimize", true, "Whether the query tree should be reordered before compiling.")
}
