package channel

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// ThrottledEmail caps the send rate of an EmailSender with a token bucket.
type ThrottledEmail struct {
	next    EmailSender
	limiter *rate.Limiter
}

func NewThrottledEmail(next EmailSender, perSecond float64, burst int) *ThrottledEmail {
	return &ThrottledEmail{next: next, limiter: newLimiter(perSecond, burst)}
}

func (t *ThrottledEmail) SendEmail(ctx context.Context, msg EmailMessage) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("email throttle: %w", err)
	}
	return t.next.SendEmail(ctx, msg)
}

// ThrottledSMS caps the send rate of an SMSSender with a token bucket.
type ThrottledSMS struct {
	next    SMSSender
	limiter *rate.Limiter
}

func NewThrottledSMS(next SMSSender, perSecond float64, burst int) *ThrottledSMS {
	return &ThrottledSMS{next: next, limiter: newLimiter(perSecond, burst)}
}

func (t *ThrottledSMS) SendSMS(ctx context.Context, msg SMSMessage) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("sms throttle: %w", err)
	}
	return t.next.SendSMS(ctx, msg)
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
