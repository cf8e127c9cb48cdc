package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/user/pullis/pkg/logger"
)

// Sender posts a message to a chat platform.
type Sender interface {
	Send(ctx context.Context, msg ChannelMessage) error
}

// DeliveryError reports a failed delivery to one channel.
type DeliveryError struct {
	ChannelID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.ChannelID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a send error that retrying cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type throttledError struct {
	err   error
	after time.Duration
}

func (e *throttledError) Error() string { return e.err.Error() }
func (e *throttledError) Unwrap() error { return e.err }

// Throttled marks a send error that may be retried once after has elapsed.
func Throttled(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &throttledError{err: err, after: after}
}

// DispatcherConfig tunes delivery.
type DispatcherConfig struct {
	Timeout     time.Duration // bound on all attempts for one message
	MaxAttempts int
	MaxBackoff  time.Duration
}

// Dispatcher delivers messages through a Sender with a timeout and retries.
type Dispatcher struct {
	sender Sender
	cfg    DispatcherConfig
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(sender Sender, cfg DispatcherConfig) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	return &Dispatcher{sender: sender, cfg: cfg}
}

// Deliver sends msg to its channel. The returned error is always a *DeliveryError.
func (d *Dispatcher) Deliver(ctx context.Context, msg ChannelMessage) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	var lastErr error
	err := retry.Do(
		func() error {
			err := d.sender.Send(ctx, msg)
			if err == nil {
				return nil
			}
			lastErr = err

			var throttled *throttledError
			if errors.As(err, &throttled) {
				select {
				case <-time.After(throttled.after):
				case <-ctx.Done():
					return retry.Unrecoverable(err)
				}
			}
			return err
		},
		retry.Attempts(uint(d.cfg.MaxAttempts)),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(d.cfg.MaxBackoff),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return !IsPermanent(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn().Err(err).
				Str("channel", msg.ChannelID).
				Uint("attempt", n+1).
				Msg("Delivery failed, retrying")
		}),
	)
	if err == nil {
		logger.Info().Str("channel", msg.ChannelID).Msg("Notification sent")
		return nil
	}

	if lastErr == nil {
		lastErr = err
	}
	logger.Error().Err(lastErr).Str("channel", msg.ChannelID).Msg("Failed to send notification")
	return &DeliveryError{ChannelID: msg.ChannelID, Err: lastErr}
}
