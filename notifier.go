package tenantauth

import "context"

// Notifier delivers OTP codes. A returned error is surfaced to the caller as
// ErrNotifierFailed and is never retried by the Engine.
type Notifier interface {
	SendOTP(ctx context.Context, mobile, code string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, mobile, code string) error

// SendOTP calls f.
func (f NotifierFunc) SendOTP(ctx context.Context, mobile, code string) error {
	return f(ctx, mobile, code)
}
