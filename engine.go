package tenantauth

import (
	"context"
	"fmt"
	"time"

	"github.com/MrEthical07/tenantauth/internal/rate"
	"github.com/MrEthical07/tenantauth/internal/stores"
	"github.com/MrEthical07/tenantauth/jwt"
	"github.com/MrEthical07/tenantauth/password"
	"github.com/MrEthical07/tenantauth/permission"
	"github.com/MrEthical07/tenantauth/totp"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine implements signup, login, tokens and authorization for every
// tenant of the deployment. It is safe for concurrent use; build it with New.
type Engine struct {
	config       Config
	store        Store
	registry     *permission.Registry
	limiter      *rate.Limiter
	otpStore     *stores.OTPChallengeStore
	sessionStore *stores.LoginSessionStore
	blacklist    *stores.TokenBlacklist
	passwords    *password.Chain
	dummyHash    string
	jwt          *jwt.Manager
	totp         *totp.Generator
	notifier     Notifier
	audit        *auditDispatcher
	metrics      *Metrics
	logger       *zap.Logger
	now          func() time.Time
}

// Close flushes pending audit events. The Engine must not be used afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports events discarded because the audit buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// AuditFailed reports events whose sink panicked.
func (e *Engine) AuditFailed() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Failed()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Permissions returns the frozen permission catalog.
func (e *Engine) Permissions() *permission.Registry {
	if e == nil {
		return nil
	}
	return e.registry
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) observe(id MetricID, start time.Time) {
	if e == nil || !e.metrics.LatencyEnabled() {
		return
	}
	e.metrics.Observe(id, time.Since(start))
}

// scope returns the tenant attached to ctx, or ErrTenantRequired.
func (e *Engine) scope(ctx context.Context) (*Tenant, error) {
	if e == nil || e.store == nil || e.jwt == nil {
		return nil, ErrEngineNotReady
	}
	tenant, ok := TenantFromContext(ctx)
	if !ok || tenant.ID == "" {
		return nil, ErrTenantRequired
	}
	return tenant, nil
}

func storeFailure(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func ephemeralFailure(err error) error {
	return fmt.Errorf("%w: %v", ErrEphemeralUnavailable, err)
}

func newID() string {
	return uuid.NewString()
}
