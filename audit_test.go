package tenantauth

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, AuditEvent) {
	s.count.Add(1)
}

type gateSink struct {
	gate chan struct{}
}

func newGateSink() *gateSink {
	return &gateSink{gate: make(chan struct{})}
}

func (s *gateSink) Emit(context.Context, AuditEvent) {
	<-s.gate
}

type panicSink struct{}

func (panicSink) Emit(context.Context, AuditEvent) {
	panic("sink exploded")
}

func TestAuditDispatcherDisabledIsNil(t *testing.T) {
	d := newAuditDispatcher(AuditConfig{Enabled: false}, &countingSink{}, nil)
	if d != nil {
		t.Fatal("expected nil dispatcher when audit is disabled")
	}
	d.Emit(context.Background(), AuditEvent{Action: "noop"})
	d.Close()
	if d.Dropped() != 0 || d.Failed() != 0 {
		t.Fatal("nil dispatcher must report zero counters")
	}
}

func TestAuditBufferFullDropIfFullTrueDoesNotBlock(t *testing.T) {
	sink := newGateSink()
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 1,
		DropIfFull: true,
	}, sink, nil)
	defer func() {
		close(sink.gate)
		dispatcher.Close()
	}()

	dispatcher.Emit(context.Background(), AuditEvent{Action: "e1"})
	dispatcher.Emit(context.Background(), AuditEvent{Action: "e2"})

	start := time.Now()
	dispatcher.Emit(context.Background(), AuditEvent{Action: "e3"})
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("expected non-blocking emit when DropIfFull is true")
	}
	if dispatcher.Dropped() == 0 {
		t.Fatal("expected dropped counter to increment when queue is full")
	}
}

func TestAuditBufferFullDropIfFullFalseBlocksUntilSpace(t *testing.T) {
	sink := newGateSink()
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 1,
		DropIfFull: false,
	}, sink, nil)
	defer func() {
		close(sink.gate)
		dispatcher.Close()
	}()

	dispatcher.Emit(context.Background(), AuditEvent{Action: "e1"})
	dispatcher.Emit(context.Background(), AuditEvent{Action: "e2"})

	done := make(chan struct{})
	go func() {
		dispatcher.Emit(context.Background(), AuditEvent{Action: "e3"})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected emit to block while buffer is full")
	case <-time.After(150 * time.Millisecond):
	}

	sink.gate <- struct{}{}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected blocked emit to proceed after space is available")
	}
}

func TestAuditDispatcherRecoversFromSinkPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	dispatcher := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 4}, panicSink{}, zap.New(core))

	dispatcher.Emit(context.Background(), AuditEvent{Action: "login_success"})
	dispatcher.Emit(context.Background(), AuditEvent{Action: "login_failure"})
	dispatcher.Close()

	if got := dispatcher.Failed(); got != 2 {
		t.Fatalf("expected 2 failed deliveries, got %d", got)
	}
	if logs.FilterMessage("audit sink panicked").Len() != 2 {
		t.Fatalf("expected panic to be logged, got %v", logs.All())
	}
}

func TestAuditDispatcherCloseDrainsAndIsIdempotent(t *testing.T) {
	sink := &countingSink{}
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 8,
		DropIfFull: true,
	}, sink, nil)

	for i := 0; i < 5; i++ {
		dispatcher.Emit(context.Background(), AuditEvent{Action: "e"})
	}
	dispatcher.Close()
	dispatcher.Close()
	dispatcher.Emit(context.Background(), AuditEvent{Action: "late"})

	if got := sink.count.Load(); got != 5 {
		t.Fatalf("expected 5 delivered events, got %d", got)
	}
}

func TestAuditJSONWriterSinkWritesJSONLines(t *testing.T) {
	var buf syncBuffer
	sink := NewJSONWriterSink(&buf)
	sink.Emit(context.Background(), AuditEvent{
		ID:        "ev-1",
		Timestamp: time.Now().UTC(),
		Action:    auditEventLoginSuccess,
		ActorID:   "u1",
		TenantID:  "t1",
		IP:        "127.0.0.1",
		Success:   true,
	})

	out := buf.String()
	if !strings.Contains(out, `"action":"login_success"`) {
		t.Fatalf("expected action in JSON line, got %s", out)
	}
	if !strings.Contains(out, `"actor_id":"u1"`) {
		t.Fatalf("expected actor id in JSON line, got %s", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Fatal("expected newline-terminated JSON line")
	}
}

func TestAuditZapSinkLevels(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewZapSink(zap.New(core))

	sink.Emit(context.Background(), AuditEvent{Action: auditEventLoginSuccess, Success: true})
	sink.Emit(context.Background(), AuditEvent{Action: auditEventLoginFailure, Error: string(auditErrInvalidCredentials)})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != zap.InfoLevel {
		t.Fatalf("success should log at info, got %v", entries[0].Level)
	}
	if entries[1].Level != zap.WarnLevel {
		t.Fatalf("failure should log at warn, got %v", entries[1].Level)
	}
	if entries[1].ContextMap()["error"] != "invalid_credentials" {
		t.Fatalf("expected error field, got %v", entries[1].ContextMap())
	}
}

func TestAuditErrorCodeMapping(t *testing.T) {
	tests := []struct {
		err  error
		want AuditErrorCode
	}{
		{nil, ""},
		{ErrInvalidCredentials, auditErrInvalidCredentials},
		{ErrTokenRevoked, auditErrRefreshReuse},
		{ErrOTPAttemptsExceeded, auditErrAttemptsExceeded},
		{ErrSecondFactorAttemptsExceeded, auditErrAttemptsExceeded},
		{ErrTOTPReplay, auditErrTOTPReplay},
		{ErrPasswordPolicy, auditErrPasswordPolicy},
		{fieldError("mobile", "bad"), auditErrValidation},
		{ErrForbidden, auditErrForbidden},
		{ErrInvitationExpired, auditErrInvitationExpired},
		{ErrNotifierFailed, auditErrNotifier},
		{ErrCompanyNotFound, auditErrNotFound},
	}
	for _, tt := range tests {
		if got := auditErrorCode(tt.err); got != tt.want {
			t.Fatalf("auditErrorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
