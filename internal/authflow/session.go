package authflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/estvita/partnergate/internal/store"
)

// maxLogEntries caps the per-session log record; older lines roll off.
const maxLogEntries = 50

// Options carries the per-deployment knobs shared by all sessions.
type Options struct {
	// KeyPrefix namespaces every store key.
	KeyPrefix string
	// StatusTTL covers the status, log and result records.
	StatusTTL time.Duration
	// OTPTTL covers a caller-submitted code.
	OTPTTL time.Duration
	// DebugDumps enables HTML snapshots at flow milestones.
	DebugDumps   bool
	DebugDumpDir string
	Markers      Markers
	Timing       Timing
}

// DefaultOptions returns the production option set.
func DefaultOptions() Options {
	return Options{
		KeyPrefix:    "partner_auth",
		StatusTTL:    10 * time.Minute,
		OTPTTL:       5 * time.Minute,
		DebugDumpDir: "debug_dumps",
		Markers:      DefaultMarkers(),
		Timing:       DefaultTiming(),
	}
}

// statusRecord is the stored shape of the status slot.
type statusRecord struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Session is one in-flight authentication attempt. Credentials are held in
// memory only; everything caller-visible goes through the store.
type Session struct {
	id        string
	targetURL string
	login     string
	password  string

	store  store.Store
	logger *zap.Logger
	launch LaunchFunc
	opts   Options

	// Concurrency-slot hooks installed by the facade; nil when uncapped.
	acquireSlot func(context.Context) error
	releaseSlot func()
}

func (s *Session) ID() string { return s.id }

func (s *Session) statusKey() string { return s.opts.KeyPrefix + ":status:" + s.id }
func (s *Session) logsKey() string   { return s.opts.KeyPrefix + ":logs:" + s.id }
func (s *Session) otpKey() string    { return s.opts.KeyPrefix + ":otp:" + s.id }
func (s *Session) resultKey() string { return s.opts.KeyPrefix + ":result:" + s.id }

// setStatus overwrites the status record and refreshes its TTL. Store
// failures are logged and swallowed; the flow must not die on a status write.
func (s *Session) setStatus(ctx context.Context, status Status, message string) {
	payload, _ := json.Marshal(statusRecord{Status: status, Message: message})
	if err := s.store.Set(ctx, s.statusKey(), payload, s.opts.StatusTTL); err != nil {
		s.logger.Warn("Failed to persist status", zap.Error(err))
	}
	s.logger.Debug("Status updated",
		zap.String("status", string(status)), zap.String("message", message))
}

// currentStatus reads the status record; an absent record reads as INIT.
func (s *Session) currentStatus(ctx context.Context) (statusRecord, error) {
	raw, err := s.store.Get(ctx, s.statusKey())
	if err != nil {
		if err == store.ErrNotFound {
			return statusRecord{Status: StatusInit}, nil
		}
		return statusRecord{Status: StatusInit}, err
	}
	var rec statusRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return statusRecord{Status: StatusInit}, fmt.Errorf("corrupt status record: %w", err)
	}
	return rec, nil
}

// appendLog adds a timestamped line to the session log, trims to the cap,
// and refreshes the status message so pollers see the latest step.
func (s *Session) appendLog(ctx context.Context, message string) {
	s.logger.Info(message, zap.String("session_id", s.id))

	var lines []string
	if raw, err := s.store.Get(ctx, s.logsKey()); err == nil {
		_ = json.Unmarshal(raw, &lines)
	}
	lines = append(lines, fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), message))
	if len(lines) > maxLogEntries {
		lines = lines[len(lines)-maxLogEntries:]
	}
	if payload, err := json.Marshal(lines); err == nil {
		if err := s.store.Set(ctx, s.logsKey(), payload, s.opts.StatusTTL); err != nil {
			s.logger.Warn("Failed to persist session log", zap.Error(err))
		}
	}

	if rec, err := s.currentStatus(ctx); err == nil {
		s.setStatus(ctx, rec.Status, message)
	}
}

// waitForOTP polls the store for a caller-submitted code. Returns the code,
// or "" when the budget runs out. The record is left in place so a re-read
// after a retry is idempotent.
func (s *Session) waitForOTP(ctx context.Context) string {
	for i := 0; i < s.opts.Timing.OTPRounds; i++ {
		raw, err := s.store.Get(ctx, s.otpKey())
		if err == nil && len(raw) > 0 {
			return string(raw)
		}
		if err != nil && err != store.ErrNotFound {
			s.logger.Warn("OTP poll failed", zap.Error(err))
		}
		if !s.sleep(ctx, s.opts.Timing.OTPInterval) {
			return ""
		}
	}
	return ""
}

// saveResult persists the captured storage state as the session artifact.
func (s *Session) saveResult(ctx context.Context, state any) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode session result: %w", err)
	}
	if err := s.store.Set(ctx, s.resultKey(), payload, s.opts.StatusTTL); err != nil {
		return fmt.Errorf("failed to persist session result: %w", err)
	}
	return nil
}

// sleep pauses for d, returning false if the context was canceled first.
func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
