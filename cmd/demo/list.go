package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/corelatch/dbsched"
	"github.com/corelatch/dbsched/clock"
)

func newListCmd() *cobra.Command {
	var taskName string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled executions for a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, closeStore, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			client := dbsched.NewClient(s, clock.Real{}, log, nil)
			executions, err := client.GetScheduledExecutionsForTask(ctx, taskName)
			if err != nil {
				return err
			}
			if len(executions) == 0 {
				fmt.Printf("no executions scheduled for %q\n", taskName)
				return nil
			}
			for _, e := range executions {
				fmt.Printf("%s/%s due=%s picked=%v consecutive_failures=%d\n",
					e.TaskName, e.InstanceID, e.ExecutionTime.Format("2006-01-02T15:04:05Z07:00"), e.Picked, e.ConsecutiveFailures)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&taskName, "task", "send-email", "registered task name")
	return cmd
}
