package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-loader/source"
	"github.com/wippyai/wasm-loader/wasm"
)

func newInspectCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <source>",
		Short: "Print a module's imports, exports, memories and tables",
		Long: "Fetch and validate a module without instantiating it. The source is a\n" +
			"local path, a file://, http(s):// or data: URL.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l, err := root.newLoader(ctx, root.cfg.Loader)
			if err != nil {
				return err
			}
			defer l.Close(ctx)

			m, err := l.Compile(ctx, source.Locator(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Module: %s\nDigest: %s\n", args[0], m.Digest())
			printHeader(cmd.OutOrStdout(), m.Header())
			return nil
		},
	}
}

func printHeader(w io.Writer, h *wasm.Module) {
	fmt.Fprintf(w, "\nImports (%d):\n", len(h.Imports))
	for _, imp := range h.Imports {
		fmt.Fprintf(w, "  %s.%s %s\n", imp.Module, imp.Name, describeImport(h, imp))
	}

	fmt.Fprintf(w, "\nExports (%d):\n", len(h.Exports))
	for _, e := range h.Exports {
		fmt.Fprintf(w, "  %s %s\n", e.Name, describeExport(h, e))
	}

	if len(h.Memories) > 0 {
		fmt.Fprintf(w, "\nMemories:\n")
		for i, mem := range h.Memories {
			fmt.Fprintf(w, "  %d: %s pages\n", h.NumImported(wasm.KindMemory)+i, formatLimits(mem.Limits))
		}
	}
	if len(h.Tables) > 0 {
		fmt.Fprintf(w, "\nTables:\n")
		for i, t := range h.Tables {
			fmt.Fprintf(w, "  %d: %s %s\n", h.NumImported(wasm.KindTable)+i, t.ElemType, formatLimits(t.Limits))
		}
	}
	if h.Start != nil {
		fmt.Fprintf(w, "\nStart section: func %d\n", *h.Start)
	}
}

func describeImport(h *wasm.Module, imp wasm.Import) string {
	d := imp.Desc
	switch d.Kind {
	case wasm.KindFunc:
		if ft, ok := h.ImportFuncType(imp); ok {
			return "func " + ft.String()
		}
		return "func ?"
	case wasm.KindMemory:
		return "memory " + formatLimits(d.Memory.Limits)
	case wasm.KindTable:
		return fmt.Sprintf("table %s %s", d.Table.ElemType, formatLimits(d.Table.Limits))
	case wasm.KindGlobal:
		mut := ""
		if d.Global.Mutable {
			mut = "mut "
		}
		return "global " + mut + d.Global.ValType.String()
	default:
		return wasm.KindName(d.Kind)
	}
}

func describeExport(h *wasm.Module, e wasm.Export) string {
	if e.Kind == wasm.KindFunc {
		if ft, ok := h.FuncTypeOf(e.Idx); ok {
			return "func " + ft.String()
		}
	}
	return fmt.Sprintf("%s %d", wasm.KindName(e.Kind), e.Idx)
}

func formatLimits(l wasm.Limits) string {
	if l.Max == nil {
		return fmt.Sprintf("%d..", l.Min)
	}
	return fmt.Sprintf("%d..%d", l.Min, *l.Max)
}
