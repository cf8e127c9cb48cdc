package notifier

import (
	"context"
	"errors"
	"sync"

	"github.com/user/pullis/pkg/logger"
)

// Deliverer sends one formatted message.
type Deliverer interface {
	Deliver(ctx context.Context, msg ChannelMessage) error
}

// Report summarises one event's fan-out.
type Report struct {
	Event     string
	Matched   int
	Delivered int
	Failures  []*DeliveryError
}

// Notifier runs the match, format and deliver pipeline for inbound events.
type Notifier struct {
	matcher   *Matcher
	formatter *Formatter
	deliverer Deliverer
}

// NewNotifier creates a new notifier instance.
func NewNotifier(subs SubscriptionStore, mappings UserMappingStore, deliverer Deliverer) *Notifier {
	return &Notifier{
		matcher:   NewMatcher(subs),
		formatter: NewFormatter(mappings),
		deliverer: deliverer,
	}
}

// Notify delivers event to every matching subscription concurrently.
// Delivery failures are collected in the report; only malformed events and
// store failures are returned as errors.
func (n *Notifier) Notify(ctx context.Context, event InboundEvent) (Report, error) {
	report := Report{Event: event.QualifiedName()}

	matches, err := n.matcher.Match(ctx, event)
	if err != nil {
		return report, err
	}
	report.Matched = len(matches)
	if len(matches) == 0 {
		return report, nil
	}

	mention := n.formatter.Mention(ctx, event.ActorUsername)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, m := range matches {
		wg.Add(1)
		go func(m Match) {
			defer wg.Done()

			msg := n.formatter.Build(event, m.Subscription, m.Repository, mention)
			err := n.deliverer.Deliver(ctx, msg)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				var derr *DeliveryError
				if !errors.As(err, &derr) {
					derr = &DeliveryError{ChannelID: msg.ChannelID, Err: err}
				}
				report.Failures = append(report.Failures, derr)
				return
			}
			report.Delivered++
		}(m)
	}
	wg.Wait()

	logger.Info().
		Str("event", report.Event).
		Int64("github_id", event.RepositoryExternalID).
		Int("pr", event.Payload.Number).
		Int("matched", report.Matched).
		Int("delivered", report.Delivered).
		Int("failed", len(report.Failures)).
		Msg("Event processed")

	return report, nil
}
