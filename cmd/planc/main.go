// Command planc compiles HCL program sources and inspects compiled programs.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sbl8/planrt/compiler"
	"github.com/sbl8/planrt/config"
	"github.com/sbl8/planrt/internal/ctxlog"
	"github.com/sbl8/planrt/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "planc",
		Short:         "Compile and inspect planrt programs",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			if configPath != "" {
				var err error
				if cfg, err = config.Load(configPath); err != nil {
					return err
				}
			}
			logger := logging.New(cfg.Logging, cmd.ErrOrStderr())
			cmd.SetContext(ctxlog.WithLogger(cmd.Context(), logger))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a planrt YAML config")
	root.AddCommand(newCompileCmd(), newInspectCmd())
	root.SetContext(context.Background())
	return root
}

func newCompileCmd() *cobra.Command {
	var (
		output  string
		noPlan  bool
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "compile <source.hcl>",
		Short: "Compile a program source into a program file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := args[0]
			if output == "" {
				output = strings.TrimSuffix(src, ".hcl") + ".plrt"
			}
			opts := compiler.DefaultOptions()
			opts.PlanMemory = !noPlan
			opts.Verbose = verbose
			if err := compiler.CompileWithOptions(cmd.Context(), src, output, opts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "compiled %s -> %s\n", src, output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default: source with a .plrt extension)")
	cmd.Flags().BoolVar(&noPlan, "no-plan", false, "allocate tensors from the method allocator instead of planned buffers")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log each compilation stage")
	return cmd
}

func newInspectCmd() *cobra.Command {
	var mmap bool
	cmd := &cobra.Command{
		Use:   "inspect <program.plrt>",
		Short: "Describe the methods of a program file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := inspectFile(args[0], mmap)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&mmap, "mmap", false, "map the program instead of reading it")
	return cmd
}
