package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/corelatch/dbsched"
	"github.com/corelatch/dbsched/task"
)

// emailPayload is the typed payload carried by send-email executions,
// serialized into task_data by the task's serializer at scheduling time.
type emailPayload struct {
	Recipient string `json:"recipient"`
}

// registerDemoTasks builds the two demo tasks: a one-time task that
// decodes its payload and logs, and an hourly recurring task whose failure
// handler demonstrates OnFailureRetryLater.
func registerDemoTasks(log *zap.Logger) (*dbsched.Registry, error) {
	reg := dbsched.NewRegistry()

	oneTime := task.NewOneTimeTask("send-email", func(ctx context.Context, i task.Instance, ec task.ExecutionContext) error {
		var p emailPayload
		if err := ec.Serializer.Deserialize(i.Payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		log.Info("sending email", zap.String("instance_id", i.InstanceID), zap.String("recipient", p.Recipient))
		return nil
	})

	recurring := task.NewRecurringTask("cleanup-temp-files", task.FixedDelaySchedule(time.Hour), func(ctx context.Context, i task.Instance, _ task.ExecutionContext) error {
		log.Info("cleaning temp files", zap.String("instance_id", i.InstanceID))
		return nil
	}, task.WithFailureHandler(task.OnFailureRetryLater(500*time.Millisecond)))

	if err := reg.Register(oneTime); err != nil {
		return nil, fmt.Errorf("register send-email: %w", err)
	}
	if err := reg.Register(recurring); err != nil {
		return nil, fmt.Errorf("register cleanup-temp-files: %w", err)
	}
	return reg, nil
}
