package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/corelatch/dbsched"
	"github.com/corelatch/dbsched/clock"
)

func newScheduleCmd() *cobra.Command {
	var taskName, instanceID, recipient string
	var in time.Duration

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a new execution of a registered demo task",
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

			reg, err := registerDemoTasks(log)
			if err != nil {
				return err
			}
			tk, ok := reg.Resolve(taskName)
			if !ok {
				return fmt.Errorf("unknown task %q: must be one of send-email, cleanup-temp-files", taskName)
			}

			var data any
			if taskName == "send-email" {
				data = emailPayload{Recipient: recipient}
			}
			instance, err := tk.Instance(instanceID, data)
			if err != nil {
				return err
			}

			client := dbsched.NewClient(s, clock.Real{}, log, nil)
			at := time.Now().Add(in)
			if err := client.Schedule(ctx, instance, at); err != nil {
				return err
			}
			fmt.Printf("scheduled %s/%s for %s\n", taskName, instanceID, at.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&taskName, "task", "send-email", "registered task name")
	cmd.Flags().StringVar(&instanceID, "instance", "1", "instance id, unique per task")
	cmd.Flags().StringVar(&recipient, "recipient", "someone@example.com", "recipient for the send-email payload")
	cmd.Flags().DurationVar(&in, "in", 0, "delay from now until the execution is due")
	return cmd
}
