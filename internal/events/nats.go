package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/animus/internal/model"
)

const (
	StreamName       = "ANIMUS"
	TaskSubjectBase  = "animus.task"
	SubmitSubject    = "animus.submit"
	MetricsSubject   = "animus.metrics"
	intakeQueueGroup = "animus_intake"

	streamMaxAge     = 24 * time.Hour
	streamMaxMsgs    = -1
	operationTimeout = 30 * time.Second
)

// TaskSubject returns the subject lifecycle events of kind are published on
func TaskSubject(kind Kind) string {
	return TaskSubjectBase + "." + string(kind)
}

// Publisher mirrors lifecycle events to an external channel
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// TaskAdder accepts tasks submitted from outside the process
type TaskAdder interface {
	Add(ctx context.Context, task *model.Task) error
}

// EnsureStream creates the ANIMUS stream if it does not exist yet
func EnsureStream(ctx context.Context, js nats.JetStreamContext, logger *zap.Logger) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{"animus.>"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		MaxMsgs:  streamMaxMsgs,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			logger.Info("Stream already exists", zap.String("stream", StreamName))
			return nil
		}
		return err
	}

	logger.Info("Stream created successfully", zap.String("stream", StreamName))
	return nil
}

// NATSPublisher publishes lifecycle events to JetStream
type NATSPublisher struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewNATSPublisher creates a publisher and makes sure its stream exists
func NewNATSPublisher(js nats.JetStreamContext, logger *zap.Logger) (*NATSPublisher, error) {
	p := &NATSPublisher{
		js:     js,
		logger: logger.Named("event-bus"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := EnsureStream(ctx, js, p.logger); err != nil {
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}
	return p, nil
}

// Publish implements Publisher
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := p.js.Publish(TaskSubject(ev.Kind), data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Forward subscribes pub to every event emitted by src
func Forward(src *Emitter, pub Publisher, logger *zap.Logger) func() {
	return src.Subscribe(func(ev Event) {
		ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		defer cancel()

		if err := pub.Publish(ctx, ev); err != nil {
			logger.Error("Failed to publish event",
				zap.String("kind", string(ev.Kind)),
				zap.String("task_id", taskID(ev)),
				zap.Error(err))
		}
	})
}

// Intake adds tasks published on the submit subject to a task store
type Intake struct {
	js     nats.JetStreamContext
	store  TaskAdder
	logger *zap.Logger
	sub    *nats.Subscription
}

// NewIntake creates an intake; call Start to begin consuming
func NewIntake(js nats.JetStreamContext, store TaskAdder, logger *zap.Logger) *Intake {
	return &Intake{
		js:     js,
		store:  store,
		logger: logger.Named("intake"),
	}
}

// Start queue-subscribes to the submit subject until ctx is done
func (in *Intake) Start(ctx context.Context) error {
	if err := EnsureStream(ctx, in.js, in.logger); err != nil {
		return fmt.Errorf("failed to setup stream: %w", err)
	}

	sub, err := in.js.QueueSubscribe(SubmitSubject, intakeQueueGroup, func(msg *nats.Msg) {
		var task model.Task
		if err := json.Unmarshal(msg.Data, &task); err != nil {
			in.logger.Error("Failed to unmarshal submitted task", zap.Error(err))
			// A malformed document never becomes valid; drop it
			_ = msg.Term()
			return
		}

		if err := in.store.Add(ctx, &task); err != nil {
			in.logger.Error("Failed to add submitted task",
				zap.String("task_id", task.ID),
				zap.Error(err))
			if permanent(err) {
				_ = msg.Term()
			} else {
				_ = msg.Nak()
			}
			return
		}

		if err := msg.Ack(); err != nil {
			in.logger.Error("Failed to acknowledge message", zap.Error(err))
		}
	},
		nats.ManualAck(),
		nats.AckWait(operationTimeout),
		nats.MaxDeliver(3),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to submissions: %w", err)
	}
	in.sub = sub

	go func() {
		<-ctx.Done()
		in.Stop()
	}()

	return nil
}

// Stop removes the subscription
func (in *Intake) Stop() {
	if in.sub == nil {
		return
	}
	if err := in.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) {
		in.logger.Warn("Failed to unsubscribe", zap.Error(err))
	}
}

// Submit publishes a task for an intake to pick up
func Submit(ctx context.Context, js nats.JetStreamContext, task *model.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	if _, err := js.Publish(SubmitSubject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish task: %w", err)
	}
	return nil
}

// permanent reports whether redelivering a submission cannot succeed
func permanent(err error) bool {
	return errors.Is(err, model.ErrTaskExists) ||
		errors.Is(err, model.ErrMissingTaskID) ||
		errors.Is(err, model.ErrInvalidTaskID)
}

func taskID(ev Event) string {
	if ev.Task == nil {
		return ""
	}
	return ev.Task.ID
}
