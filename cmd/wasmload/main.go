// Command wasmload inspects WebAssembly modules and runs their exports
// through the loader.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-loader/config"
	wlerrors "github.com/wippyai/wasm-loader/errors"
	"github.com/wippyai/wasm-loader/loader"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg *config.Config
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "wasmload",
		Short:         "Load, inspect and run WebAssembly modules",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return o.setup()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if o.log != nil {
				_ = o.log.Sync()
			}
		},
	}

	f := cmd.PersistentFlags()
	f.StringVarP(&o.configPath, "config", "c", "", "configuration file (default $"+config.EnvVar+" or "+config.DefaultPath+")")
	f.StringVar(&o.logLevel, "log-level", "", "override log.level")
	f.StringVar(&o.logFormat, "log-format", "", "override log.format (json or console)")

	cmd.AddCommand(newInspectCmd(o), newRunCmd(o))
	return cmd
}

func (o *rootOptions) setup() error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := config.NewLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	o.cfg, o.log = cfg, log
	return nil
}

func (o *rootOptions) newLoader(ctx context.Context, cfg loader.Config, extra ...loader.Option) (*loader.Loader, error) {
	opts := append([]loader.Option{
		loader.WithConfig(cfg),
		loader.WithLogger(o.log),
	}, extra...)
	return loader.New(ctx, opts...)
}

// exitCode maps load failures to distinct exit statuses.
func exitCode(err error) int {
	switch wlerrors.KindOf(err) {
	case wlerrors.KindFetchFailed:
		return 2
	case wlerrors.KindInvalidModule:
		return 3
	case wlerrors.KindImportMismatch:
		return 4
	case wlerrors.KindStartFailed:
		return 5
	default:
		return 1
	}
}
