package syncclient

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

const (
	reconnectInitial  = time.Second
	reconnectFactor   = 2
	reconnectMax      = 10 * time.Second
	reconnectAttempts = 5
)

// Notifier 接收重连进度，可能在任意 goroutine 上被调用
type Notifier interface {
	Reconnecting(attempt, max int)
	Reconnected()
	ReconnectFailed(err error)
}

type nopNotifier struct{}

func (nopNotifier) Reconnecting(int, int) {}
func (nopNotifier) Reconnected()          {}
func (nopNotifier) ReconnectFailed(error) {}

// ReconnectBackOff 1s 起步、每次翻倍、10s 封顶，最多 5 次
func ReconnectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectInitial
	b.Multiplier = reconnectFactor
	b.MaxInterval = reconnectMax
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, reconnectAttempts)
}

// retryDial 每次尝试前先按 b 等待；b 返回 Stop 时放弃并返回 ErrReconnectFailed
func retryDial(ctx context.Context, b backoff.BackOff, max int, n Notifier, dial func() error) error {
	b.Reset()
	var err error
	for attempt := 1; ; attempt++ {
		next := b.NextBackOff()
		if next == backoff.Stop {
			return fmt.Errorf("%w after %d attempts: %v", ErrReconnectFailed, attempt-1, err)
		}
		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		n.Reconnecting(attempt, max)
		if err = dial(); err == nil {
			return nil
		}
	}
}
