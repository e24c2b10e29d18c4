package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// Governor ограничивает темп запросов к платформе и управляет паузой
// после отказов по лимиту. Пауза растёт экспоненциально от базового
// значения до потолка и сбрасывается первым успешным запросом.
type Governor struct {
	limiter *rate.Limiter

	mu      sync.Mutex
	backoff *backoff.ExponentialBackOff
	penalty time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// NewGovernor создаёт регулятор с темпом rps и границами паузы.
func NewGovernor(rps float64, base, max time.Duration) *Governor {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.MaxInterval = max
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &Governor{
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		backoff: bo,
		sleep:   sleepCtx,
	}
}

// Acquire блокируется до момента, когда запрос можно отправить:
// сначала выдерживает темп, затем текущую штрафную паузу.
func (g *Governor) Acquire(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	penalty := g.penalty
	g.mu.Unlock()
	if penalty <= 0 {
		return nil
	}
	return g.sleep(ctx, penalty)
}

// Throttled сообщает регулятору об отказе по лимиту. Если платформа
// назвала срок ожидания, пауза не может быть меньше него.
func (g *Governor) Throttled(retryAfter time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := g.backoff.NextBackOff()
	if next == backoff.Stop || next > g.backoff.MaxInterval {
		next = g.backoff.MaxInterval
	}
	if retryAfter > next {
		next = retryAfter
	}
	g.penalty = next
}

// Success сбрасывает штрафную паузу после успешного запроса.
func (g *Governor) Success() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.penalty = 0
	g.backoff.Reset()
}

// Penalty возвращает текущую штрафную паузу.
func (g *Governor) Penalty() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.penalty
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
