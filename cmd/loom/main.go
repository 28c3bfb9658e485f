// Package main provides the Loom CLI: inspect how an equation compiles
// without writing a program.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loom-ml/loom/einsum"
)

const version = "v0.1.0-dev"

func main() {
	root := &cobra.Command{
		Use:   "loom",
		Short: "Loom compiles tensor contraction equations into loop nests",
	}
	root.AddCommand(explainCmd(), wgslCmd(), versionCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// compileArgs feeds every CLI argument through the option parser, so
// `loom explain "threads=4" "i in 0:8" "Z[i] := A[i,j]"` works the way
// a call site would.
func compileArgs(args []string) (*einsum.Program, error) {
	equation, opts, err := einsum.ParseArgs(args)
	if err != nil {
		return nil, err
	}
	if equation == "" {
		return nil, fmt.Errorf("no equation given")
	}
	return einsum.Compile(equation, opts...)
}

func explainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "explain [options...] equation",
		Short: "Dump the analysis of an equation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, err := compileArgs(args)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), prog.Explain())
			return nil
		},
	}
}

func wgslCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wgsl [options...] equation",
		Short: "Emit the device (WGSL) specialization of an equation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, err := compileArgs(args)
			if err != nil {
				return err
			}
			src, err := prog.WGSL()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), src)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "loom %s\n", version)
		},
	}
}
