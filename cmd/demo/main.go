// Command demo is a small CLI exercising the scheduler end to end: schedule
// a one-time or recurring task, run a scheduler against either an in-memory
// store or a Postgres DSN, and list the rows currently on the books.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "demo",
		Short: "Exercise the dbsched scheduler against an in-memory or Postgres store",
	}

	root.PersistentFlags().String("dsn", "", "Postgres connection string (empty runs against an in-memory store)")
	root.PersistentFlags().String("table", "scheduled_tasks", "execution table name")
	root.PersistentFlags().String("scheduler-name", "", "identifies this process in picked_by (default: hostname plus a random suffix)")
	_ = viper.BindPFlag("dsn", root.PersistentFlags().Lookup("dsn"))
	_ = viper.BindPFlag("table", root.PersistentFlags().Lookup("table"))
	_ = viper.BindPFlag("scheduler_name", root.PersistentFlags().Lookup("scheduler-name"))
	viper.SetEnvPrefix("dbsched")
	viper.AutomaticEnv()

	root.AddCommand(newScheduleCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newListCmd())
	return root
}
