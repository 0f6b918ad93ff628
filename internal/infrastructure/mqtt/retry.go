package mqtt

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/nerrad567/fieldlink/internal/infrastructure/config"
)

// RetryPolicy controls how ConnectWithRetry backs off between attempts.
type RetryPolicy struct {
	// InitialDelay is the base delay before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// MaxAttempts bounds the retry budget. Zero retries until ctx is cancelled.
	MaxAttempts int

	// OnAttemptFailed, if set, is called after each failed attempt with the
	// delay before the next one. It is the degraded-connectivity signal.
	OnAttemptFailed func(attempt int, err error, next time.Duration)
}

// PolicyFromConfig converts the reconnect section (seconds) into a RetryPolicy.
func PolicyFromConfig(cfg config.MQTTReconnectConfig) RetryPolicy {
	return RetryPolicy{
		InitialDelay: time.Duration(cfg.InitialDelay) * time.Second,
		MaxDelay:     time.Duration(cfg.MaxDelay) * time.Second,
		MaxAttempts:  cfg.MaxAttempts,
	}
}

// backoff returns the delay after the given (1-based) failed attempt:
// exponential from InitialDelay, capped at MaxDelay, with equal jitter
// (half fixed, half random) so a fleet of gateways does not reconnect in step.
func (p RetryPolicy) backoff(attempt int, jitter func() float64) time.Duration {
	base := p.InitialDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := p.MaxDelay
	if maxDelay < base {
		maxDelay = base
	}

	d := base
	for i := 1; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}

	half := d / 2
	return half + time.Duration(jitter()*float64(d-half))
}

// ConnectWithRetry connects to the broker, retrying failed attempts with
// exponential backoff until it succeeds, ctx is cancelled, or the attempt
// budget runs out. In the last two cases it returns a *ConnectionError
// carrying the number of attempts made.
func ConnectWithRetry(ctx context.Context, cfg config.MQTTConfig, policy RetryPolicy, logger Logger) (*Client, error) {
	client, err := retryConnect(ctx, policy, rand.Float64, func() (*Client, error) {
		return Connect(cfg)
	}, logger)
	if err != nil {
		var connErr *ConnectionError
		if errors.As(err, &connErr) && connErr.Broker == "" {
			connErr.Broker = brokerURL(cfg)
		}
		return nil, err
	}
	client.SetLogger(logger)
	return client, nil
}

// retryConnect runs attempt under policy. Split out from ConnectWithRetry so
// the loop can be exercised without a broker.
func retryConnect(
	ctx context.Context,
	policy RetryPolicy,
	jitter func() float64,
	attempt func() (*Client, error),
	logger Logger,
) (*Client, error) {
	var lastErr error
	for n := 1; ; n++ {
		client, err := attempt()
		if err == nil {
			if n > 1 && logger != nil {
				logger.Info("connected to MQTT broker after retries", "attempts", n)
			}
			return client, nil
		}
		lastErr = err

		if policy.MaxAttempts > 0 && n >= policy.MaxAttempts {
			return nil, exhausted(lastErr, n)
		}

		next := policy.backoff(n, jitter)
		if logger != nil {
			logger.Warn("MQTT connection attempt failed",
				"attempt", n,
				"retry_in", next.String(),
				"error", err,
			)
		}
		if policy.OnAttemptFailed != nil {
			policy.OnAttemptFailed(n, err, next)
		}

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, exhausted(lastErr, n)
		case <-timer.C:
		}
	}
}

// exhausted folds the last attempt error into a ConnectionError with the attempt count.
func exhausted(err error, attempts int) error {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return &ConnectionError{Broker: connErr.Broker, Attempts: attempts, Err: connErr.Err}
	}
	return &ConnectionError{Attempts: attempts, Err: err}
}
