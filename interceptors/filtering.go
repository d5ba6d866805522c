package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/topicbus/contracts"
	"github.com/glimte/topicbus/messaging"
)

// ErrMessageFiltered is returned by a FilteringInterceptor using SkipWithError
var ErrMessageFiltered = errors.New("interceptors: message filtered")

// MessageFilter defines the interface for message filtering
type MessageFilter interface {
	// ShouldProcess returns true if the message should be processed
	ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, msg *contracts.Message) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	return f(ctx, msg)
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipSilently skips the message without error
	SkipSilently SkipBehavior = iota
	// SkipWithError returns ErrMessageFiltered
	SkipWithError
	// SkipWithLog logs that the message was skipped
	SkipWithLog
)

// FilteringInterceptor stops messages the filter rejects
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       logger,
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, msg *contracts.Message, next messaging.Handler) error {
	shouldProcess, err := i.filter.ShouldProcess(ctx, msg)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}

	if !shouldProcess {
		switch i.skipBehavior {
		case SkipWithError:
			return fmt.Errorf("%w: routingKey=%s, id=%s", ErrMessageFiltered, msg.GetType(), msg.GetID())
		case SkipWithLog:
			i.logger.Info("message skipped by filter",
				"messageId", msg.GetID(),
				"routingKey", msg.GetType(),
			)
		}
		return nil
	}

	return next.Handle(ctx, msg)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// MatchRoutingKey passes messages whose routing key matches any of patterns
func MatchRoutingKey(patterns ...string) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, msg *contracts.Message) (bool, error) {
		for _, p := range patterns {
			if messaging.Match(p, msg.GetType()) {
				return true, nil
			}
		}
		return false, nil
	})
}

// HasMeta passes messages carrying the metadata key
func HasMeta(key string) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, msg *contracts.Message) (bool, error) {
		_, ok := msg.GetMeta()[key]
		return ok, nil
	})
}

// All passes messages every filter passes
func All(filters ...MessageFilter) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, msg *contracts.Message) (bool, error) {
		for _, f := range filters {
			ok, err := f.ShouldProcess(ctx, msg)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

// Any passes messages at least one filter passes
func Any(filters ...MessageFilter) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, msg *contracts.Message) (bool, error) {
		for _, f := range filters {
			ok, err := f.ShouldProcess(ctx, msg)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	})
}

// ConditionalInterceptor runs an interceptor only for messages the condition passes
type ConditionalInterceptor struct {
	condition   MessageFilter
	interceptor Interceptor
}

// NewConditionalInterceptor creates a new conditional interceptor
func NewConditionalInterceptor(condition MessageFilter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{
		condition:   condition,
		interceptor: interceptor,
	}
}

// Intercept implements Interceptor
func (i *ConditionalInterceptor) Intercept(ctx context.Context, msg *contracts.Message, next messaging.Handler) error {
	shouldExecute, err := i.condition.ShouldProcess(ctx, msg)
	if err != nil {
		return err
	}

	if shouldExecute {
		return i.interceptor.Intercept(ctx, msg, next)
	}

	return next.Handle(ctx, msg)
}

// Name implements Interceptor
func (i *ConditionalInterceptor) Name() string {
	return fmt.Sprintf("ConditionalInterceptor[%s]", i.interceptor.Name())
}
