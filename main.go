package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	jitvm "jitvm/vm"
)

type options struct {
	StackSlots int  `toml:"stack_slots"`
	JIT        bool `toml:"jit"`
}

func defaultOptions() options {
	return options{StackSlots: jitvm.DefaultStackSlots}
}

func loadOptions(path string) (options, error) {
	opts := defaultOptions()
	if path == "" {
		return opts, nil
	}
	if _, err := toml.DecodeFile(path, &opts); err != nil {
		return opts, fmt.Errorf("could not read %s: %w", path, err)
	}
	return opts, nil
}

func buildProgram(files []string) (*jitvm.Program, error) {
	bodies, err := jitvm.AssembleFiles(files...)
	if err != nil {
		return nil, err
	}
	return jitvm.NewProgram(bodies...)
}

func main() {
	var configPath string
	var useJIT bool
	var stackSlots int

	root := &cobra.Command{
		Use:          "jitvm",
		Short:        "A register VM with a template JIT",
		SilenceUsage: true,
	}

	run := &cobra.Command{
		Use:   "run <file 1> [file 2] ... [file N]",
		Short: "Assemble and execute a program",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("jit") {
				opts.JIT = useJIT
			}
			if cmd.Flags().Changed("stack-slots") {
				opts.StackSlots = stackSlots
			}

			prog, err := buildProgram(args)
			if err != nil {
				return err
			}
			defer prog.Close()

			if opts.JIT {
				if !jitvm.JITSupported() {
					return fmt.Errorf("jit compilation is not supported on this architecture")
				}
				if err := prog.CompileAll(); err != nil {
					return err
				}
			}

			ctx, err := jitvm.NewContextSize(prog, opts.StackSlots)
			if err != nil {
				return err
			}
			defer ctx.Close()

			if err := ctx.EnterFunction(0); err != nil {
				return err
			}
			jitvm.NewRunner(ctx).Run()
			return nil
		},
	}
	run.Flags().StringVar(&configPath, "config", "", "TOML options file")
	run.Flags().BoolVar(&useJIT, "jit", false, "compile every function before running")
	run.Flags().IntVar(&stackSlots, "stack-slots", jitvm.DefaultStackSlots, "call stack capacity")

	dump := &cobra.Command{
		Use:   "dump <file 1> [file 2] ... [file N]",
		Short: "Assemble a program and print its instruction words",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bodies, err := jitvm.AssembleFiles(args...)
			if err != nil {
				return err
			}
			for fi, body := range bodies {
				fmt.Fprintf(cmd.OutOrStdout(), "func %d:\n", fi)
				for wi, insn := range body {
					fmt.Fprintf(cmd.OutOrStdout(), "  %4d: 0x%04x  %s\n", wi, insn, jitvm.Disassemble(insn))
				}
			}
			return nil
		},
	}

	root.AddCommand(run, dump)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
