package notify

import (
	"context"

	"github.com/MrEthical07/tenantauth"
	"go.uber.org/zap"
)

var _ tenantauth.Notifier = (*LogNotifier)(nil)

// LogNotifier writes OTP deliveries to a zap logger instead of sending them.
// With RevealCode it includes the code itself, for local development only.
type LogNotifier struct {
	Logger     *zap.Logger
	RevealCode bool
}

// NewLogNotifier returns a LogNotifier; a nil logger discards everything.
func NewLogNotifier(logger *zap.Logger, revealCode bool) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{Logger: logger.Named("notify"), RevealCode: revealCode}
}

func (n *LogNotifier) SendOTP(_ context.Context, mobile, code string) error {
	fields := []zap.Field{zap.String("mobile", maskMobile(mobile))}
	if n.RevealCode {
		fields = append(fields, zap.String("code", code))
	}
	n.Logger.Info("otp delivery", fields...)
	return nil
}

// maskMobile keeps the last four digits.
func maskMobile(mobile string) string {
	if len(mobile) <= 4 {
		return "****"
	}
	masked := make([]byte, len(mobile))
	for i := range mobile {
		if i < len(mobile)-4 && mobile[i] != '+' {
			masked[i] = '*'
		} else {
			masked[i] = mobile[i]
		}
	}
	return string(masked)
}
