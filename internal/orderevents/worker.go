package orderevents

import (
	"context"

	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medsafe/pkg/workerpool"
)

// PoolConfig returns cfg with permanent report failures excluded from
// retries.
func PoolConfig(cfg workerpool.Config) workerpool.Config {
	cfg.Permanent = Permanent
	return cfg
}

// WorkerFunc runs status reports queued as workerpool tasks.
func WorkerFunc(h *Handler) workerpool.WorkerFunc {
	return func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		msg := task.Payload.(StatusMessage)
		outcome, err := h.Handle(ctx, msg)
		if err != nil {
			return &workerpool.Result{TaskID: task.ID, Error: err}
		}
		return &workerpool.Result{TaskID: task.ID, Success: true, Data: outcome}
	}
}

// ConsumerHandler decodes records and waits for the pool to apply them, so
// the consumer commits a record only after its report was applied. A
// returned error sends the record to the dead-letter topic.
func ConsumerHandler(pool *workerpool.Pool, logger *zap.Logger) redpanda.MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, m *redpanda.ConsumedMessage) error {
		msg, err := Decode(m.Value)
		if err != nil {
			logger.Warn("undecodable status report",
				zap.String("topic", m.Topic),
				zap.Int64("offset", m.Offset),
				zap.Error(err))
			return err
		}

		res, err := pool.SubmitWait(ctx, &workerpool.Task{ID: msg.Key(), Payload: msg})
		if err != nil {
			return err
		}
		if !res.Success {
			return res.Error
		}
		return nil
	}
}
