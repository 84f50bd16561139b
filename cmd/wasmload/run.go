package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"golang.org/x/term"

	"github.com/wippyai/wasm-loader/imports"
	"github.com/wippyai/wasm-loader/loader"
	"github.com/wippyai/wasm-loader/source"
)

type runOptions struct {
	call        string
	args        []string
	stubImports bool
	wasi        bool
	interactive bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <source>",
		Short: "Load a module, run its start routine and optionally call an export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, root, args[0])
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.call, "call", "", "exported function to call after loading")
	f.StringArrayVar(&o.args, "arg", nil, "argument for --call, parsed by the parameter's type (repeatable)")
	f.BoolVar(&o.stubImports, "stub-imports", false, "satisfy every import with a zero-valued stub")
	f.BoolVar(&o.wasi, "wasi", false, "provide "+wasi_snapshot_preview1.ModuleName+" with the process stdio")
	f.BoolVarP(&o.interactive, "interactive", "i", false, "pick and call exports in a terminal UI")
	return cmd
}

func (o *runOptions) run(cmd *cobra.Command, root *rootOptions, ref string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if o.interactive && !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("--interactive needs a terminal")
	}

	cfg := root.cfg.Loader
	if o.wasi {
		cfg.WASI = true
	}
	l, err := root.newLoader(ctx, cfg, loader.WithStdio(cmd.InOrStdin(), out, cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer l.Close(ctx)

	src := source.Locator(ref)
	var table *imports.Table
	if o.stubImports {
		m, err := l.Compile(ctx, src)
		if err != nil {
			return err
		}
		var skip []string
		if cfg.WASI {
			skip = append(skip, wasi_snapshot_preview1.ModuleName)
		}
		if table, err = imports.Stub(m.Header(), skip...); err != nil {
			return err
		}
		src = source.Compiled(m)
	}

	inst, err := l.Load(ctx, src, table)
	if err != nil {
		return err
	}
	defer inst.Close(ctx)

	if o.interactive {
		return runInteractive(ctx, ref, inst)
	}

	printInstance(out, inst)
	if o.call == "" {
		return nil
	}

	fn := inst.Function(o.call)
	if fn == nil {
		return fmt.Errorf("export %q is not a function", o.call)
	}
	def := fn.Definition()
	params, err := parseArgs(o.args, def.ParamTypes())
	if err != nil {
		return fmt.Errorf("call %s: %w", o.call, err)
	}

	fmt.Fprintf(out, "\nCalling %s(%s)...\n", o.call, strings.Join(o.args, ", "))
	res, err := inst.Call(ctx, o.call, params...)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Result: %s\n", formatResults(res, def.ResultTypes()))
	return nil
}

func printInstance(w io.Writer, inst *loader.Instance) {
	fmt.Fprintf(w, "Loaded %s (start ran %d time(s))\n", shortDigest(inst.Module().Digest()), inst.Starts())
	fmt.Fprintf(w, "\nRoles:\n")
	for _, role := range []string{
		loader.RoleMemory, loader.RoleTable, loader.RoleAlloc, loader.RoleRealloc,
		loader.RoleFree, loader.RoleStoreException, loader.RoleStart,
	} {
		name := inst.Role(role)
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "  %-16s %s\n", role, name)
	}
	if mem := inst.Memory(); mem != nil {
		fmt.Fprintf(w, "\nMemory: %d bytes\n", mem.Size())
	}
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
