package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/sbl8/planrt/core"
	"github.com/sbl8/planrt/llm"
	"github.com/sbl8/planrt/runtime"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		method string
		inputs []string
	)
	cmd := &cobra.Command{
		Use:   "run <program.plrt>",
		Short: "Execute a method once and print its outputs",
		Long: `Execute a method once and print its outputs.

Each --input gives one method input in order. Tensors are written as
comma-separated values, optionally prefixed by a shape such as "2x3:";
without a shape the method's declared shape is used, or a vector when the
count differs. Scalar inputs take a single int, double or bool.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine(args[0])
			if err != nil {
				return err
			}
			defer e.Close()

			meta, err := e.MethodMeta(method)
			if err != nil {
				return err
			}
			values, err := parseInputs(meta, inputs)
			if err != nil {
				return err
			}
			outs, err := e.Execute(cmd.Context(), method, values)
			if err != nil {
				return err
			}
			for i, v := range outs {
				fmt.Fprintf(cmd.OutOrStdout(), "output %d: %s\n", i, formatValue(v))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&method, "method", "m", "forward", "method to execute")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "method input, repeated in order")
	return cmd
}

func newPrefillCmd(a *app) *cobra.Command {
	var (
		tokens   []int64
		startPos int64
	)
	cmd := &cobra.Command{
		Use:   "prefill <program.plrt>",
		Short: "Prefill a prompt and print the next token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine(args[0])
			if err != nil {
				return err
			}
			defer e.Close()

			dc := a.cfg.Decoder
			decoder := llm.NewMethodDecoder(e, dc.Method, llm.NewSampler(dc.Temperature, dc.Seed))
			prefiller := llm.NewTextPrefiller(decoder, dc.UseKVCache, dc.ParallelPrefill)
			next, err := prefiller.Prefill(cmd.Context(), tokens, startPos)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), next)
			return nil
		},
	}
	cmd.Flags().Int64SliceVarP(&tokens, "tokens", "t", nil, "prompt token ids")
	cmd.Flags().Int64Var(&startPos, "start-pos", 0, "position of the first prompt token")
	return cmd
}

func newGenerateCmd(a *app) *cobra.Command {
	var (
		tokens   []int64
		startPos int64
		maxNew   int
	)
	cmd := &cobra.Command{
		Use:   "generate <program.plrt>",
		Short: "Prefill a prompt and decode tokens after it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine(args[0])
			if err != nil {
				return err
			}
			defer e.Close()

			dc := a.cfg.Decoder
			opts := a.cfg.GeneratorOptions()
			if maxNew > 0 {
				opts.MaxNewTokens = maxNew
			}
			decoder := llm.NewMethodDecoder(e, dc.Method, llm.NewSampler(dc.Temperature, dc.Seed))
			gen, err := llm.NewTokenGenerator(decoder, opts)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			out, err := gen.Generate(cmd.Context(), tokens, startPos, func(tok int64) error {
				_, err := fmt.Fprintf(w, "%d ", tok)
				return err
			})
			fmt.Fprintln(w)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "generated %d tokens\n", len(out))
			return nil
		},
	}
	cmd.Flags().Int64SliceVarP(&tokens, "tokens", "t", nil, "prompt token ids")
	cmd.Flags().Int64Var(&startPos, "start-pos", 0, "position of the first prompt token")
	cmd.Flags().IntVarP(&maxNew, "max-new-tokens", "n", 0, "override decoder.max_new_tokens")
	return cmd
}

func newBenchCmd(a *app) *cobra.Command {
	var (
		method string
		iter   int
	)
	cmd := &cobra.Command{
		Use:   "bench <program.plrt>",
		Short: "Execute a method repeatedly on zero inputs and report latency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if iter <= 0 {
				return fmt.Errorf("%w: --iter must be positive", core.ErrInvalidArgument)
			}
			e, err := a.engine(args[0])
			if err != nil {
				return err
			}
			defer e.Close()

			meta, err := e.MethodMeta(method)
			if err != nil {
				return err
			}
			values, err := zeroInputs(meta)
			if err != nil {
				return err
			}
			// The first call loads the method and is not timed.
			if _, err := e.Execute(cmd.Context(), method, values); err != nil {
				return err
			}
			start := time.Now()
			for i := 0; i < iter; i++ {
				if _, err := e.Execute(cmd.Context(), method, values); err != nil {
					return fmt.Errorf("iteration %d: %w", i, err)
				}
			}
			report(cmd.OutOrStdout(), method, iter, time.Since(start), e.Stats())
			return nil
		},
	}
	cmd.Flags().StringVarP(&method, "method", "m", "forward", "method to execute")
	cmd.Flags().IntVar(&iter, "iter", 1000, "number of timed iterations")
	return cmd
}

func report(w io.Writer, method string, iter int, elapsed time.Duration, stats runtime.ExecutionStats) {
	fmt.Fprintf(w, "Method %s: %d iterations in %v\n", method, iter, elapsed)
	fmt.Fprintf(w, "  per iteration:   %v\n", elapsed/time.Duration(iter))
	fmt.Fprintf(w, "  throughput:      %.2f exec/s\n", float64(iter)/elapsed.Seconds())
	fmt.Fprintf(w, "  engine average:  %v over %d executions\n", stats.AverageLatency, stats.TotalExecutions)
	if u, ok := stats.MethodUtilization[method]; ok {
		fmt.Fprintf(w, "  pool in use:     %.1f%%\n", u*100)
	}
	ops := make([]string, 0, len(stats.OperatorExecutions))
	for op := range stats.OperatorExecutions {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		fmt.Fprintf(w, "  %-16s %d calls\n", op+":", stats.OperatorExecutions[op])
	}
}

func formatValue(v core.Value) string {
	t, err := v.Tensor()
	if err != nil {
		return v.String()
	}
	var vals any
	switch t.DType() {
	case core.Float32:
		vals, _ = t.Float32s()
	case core.Float64:
		vals, _ = t.Float64s()
	case core.Int32:
		vals, _ = t.Int32s()
	case core.Int64:
		vals, _ = t.Int64s()
	default:
		vals, _ = t.Uint8s()
	}
	return fmt.Sprintf("%s%v %v", t.DType(), t.Shape(), vals)
}
