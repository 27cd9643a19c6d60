package authflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/estvita/partnergate/internal/store"
)

var (
	// ErrMissingTarget is returned by Start when no portal URL is configured.
	ErrMissingTarget = errors.New("authflow: target URL is not configured")
	// ErrMissingLogin is returned by Start when the identifier is empty.
	ErrMissingLogin = errors.New("authflow: login is required")
	// ErrEmptyCode is returned by SubmitOTP for a blank code.
	ErrEmptyCode = errors.New("authflow: verification code is empty")
)

// Facade is the application entry point for authentication sessions: it
// starts them, answers status polls, accepts verification codes and hands
// out results. Safe for concurrent use.
type Facade struct {
	store  store.Store
	logger *zap.Logger
	launch LaunchFunc
	opts   Options

	// sem caps concurrently open browsers; nil means uncapped. Sessions
	// over the cap queue in RUNNING rather than failing to start.
	sem *semaphore.Weighted
}

// NewFacade wires a facade over the given store and browser factory.
// maxConcurrent <= 0 disables the cap.
func NewFacade(st store.Store, launch LaunchFunc, logger *zap.Logger, opts Options, maxConcurrent int64) *Facade {
	f := &Facade{
		store:  st,
		logger: logger.Named("authflow"),
		launch: launch,
		opts:   opts,
	}
	if maxConcurrent > 0 {
		f.sem = semaphore.NewWeighted(maxConcurrent)
	}
	return f
}

// Start validates the input, seeds the INIT status record, and launches the
// session goroutine. It returns the session identifier immediately; all
// subsequent interaction is via Status, SubmitOTP and Result. The only
// error causes are malformed input and a failed initial status write.
func (f *Facade) Start(ctx context.Context, targetURL, login, password string) (string, error) {
	if targetURL == "" {
		return "", ErrMissingTarget
	}
	if login == "" {
		return "", ErrMissingLogin
	}

	id := uuid.NewString()
	s := &Session{
		id:        id,
		targetURL: targetURL,
		login:     login,
		password:  password,
		store:     f.store,
		logger:    f.logger.With(zap.String("session_id", id)),
		launch:    f.launch,
		opts:      f.opts,
	}
	if f.sem != nil {
		s.acquireSlot = func(c context.Context) error { return f.sem.Acquire(c, 1) }
		s.releaseSlot = func() { f.sem.Release(1) }
	}

	payload, _ := json.Marshal(statusRecord{Status: StatusInit, Message: "Queued"})
	if err := f.store.Set(ctx, s.statusKey(), payload, f.opts.StatusTTL); err != nil {
		return "", fmt.Errorf("failed to create session record: %w", err)
	}

	f.logger.Info("Session started",
		zap.String("session_id", s.id), zap.String("target", targetURL))
	go s.run()
	return s.id, nil
}

// Status returns the current status record merged with the log snapshot.
// ok is false when the session is unknown or its records have expired;
// that is not an error.
func (f *Facade) Status(ctx context.Context, sessionID string) (*StatusPayload, bool, error) {
	raw, err := f.store.Get(ctx, f.opts.KeyPrefix+":status:"+sessionID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read session status: %w", err)
	}
	var rec statusRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("corrupt status record: %w", err)
	}

	payload := &StatusPayload{Status: rec.Status, Message: rec.Message}
	if logsRaw, err := f.store.Get(ctx, f.opts.KeyPrefix+":logs:"+sessionID); err == nil {
		_ = json.Unmarshal(logsRaw, &payload.Logs)
	}
	return payload, true, nil
}

// SubmitOTP places a verification code where the session goroutine will
// find it. Submitting to an unknown or finished session is harmless; the
// record just expires unread.
func (f *Facade) SubmitOTP(ctx context.Context, sessionID, code string) error {
	if code == "" {
		return ErrEmptyCode
	}
	key := f.opts.KeyPrefix + ":otp:" + sessionID
	if err := f.store.Set(ctx, key, []byte(code), f.opts.OTPTTL); err != nil {
		return fmt.Errorf("failed to store verification code: %w", err)
	}
	f.logger.Info("Verification code received", zap.String("session_id", sessionID))
	return nil
}

// Result returns the captured storage-state blob for a successful session.
// ok is false when no result exists, which covers unknown sessions,
// unfinished sessions and failures alike.
func (f *Facade) Result(ctx context.Context, sessionID string) (json.RawMessage, bool, error) {
	raw, err := f.store.Get(ctx, f.opts.KeyPrefix+":result:"+sessionID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read session result: %w", err)
	}
	return json.RawMessage(raw), true, nil
}
