// sapp ingests static taint analyzer output into a relational store and
// answers trace-navigation and issue-filtering queries over it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/steveyegge/sapp/internal/logging"
)

// UserError is operator-facing: surfaced to stderr without a stack.
type UserError struct {
	Message string
}

func (e *UserError) Error() string {
	return e.Message
}

var (
	dbDialect string
	dbName    string
	verbose   bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "sapp",
		Short:        "Static analysis post-processor",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.SetVerbose(verbose)
			dbDialect = viper.GetString("database")
			dbName = viper.GetString("database-name")
		},
	}
	root.PersistentFlags().StringVar(&dbDialect, "database", "sqlite", "database dialect (sqlite or mysql)")
	root.PersistentFlags().StringVar(&dbName, "database-name", "sapp.db", "sqlite file path or mysql DSN")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug output")
	_ = viper.BindPFlag("database", root.PersistentFlags().Lookup("database"))
	_ = viper.BindPFlag("database-name", root.PersistentFlags().Lookup("database-name"))
	viper.SetEnvPrefix("SAPP")
	viper.AutomaticEnv()

	root.AddCommand(newAnalyzeCmd())
	root.AddCommand(newUpdateWarningsCmd())
	root.AddCommand(newFilterCmd())
	return root
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	if err := newRootCmd().Execute(); err != nil {
		var userErr *UserError
		if errors.As(err, &userErr) {
			fmt.Fprintln(os.Stderr, userErr.Message)
		}
		os.Exit(1)
	}
}
