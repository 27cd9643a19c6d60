// Package authflow implements the browser-driven authentication session
// state machine and the poll-based status/OTP exchange with callers.
//
// One Session owns one browser instance and runs the multi-phase login flow
// on its own goroutine. All communication with the caller happens through
// the ephemeral state store: a status record, a bounded log record, an OTP
// submission slot, and the final storage-state artifact, each keyed by the
// session identifier and expiring on its own TTL.
package authflow

import (
	"context"
	"time"

	"github.com/estvita/partnergate/internal/browser"
)

// Status is the caller-visible lifecycle state of an authentication session.
type Status string

const (
	StatusInit        Status = "INIT"
	StatusRunning     Status = "RUNNING"
	StatusOTPRequired Status = "OTP_REQUIRED"
	StatusSuccess     Status = "SUCCESS"
	StatusFailed      Status = "FAILED"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// StatusPayload is what a poll returns: the status record merged with the
// current log snapshot.
type StatusPayload struct {
	Status  Status   `json:"status"`
	Message string   `json:"message,omitempty"`
	Logs    []string `json:"logs,omitempty"`
}

// Driver is the page surface the engine drives. The chromedp-backed
// *browser.Page satisfies it; tests substitute a scripted fake.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	WaitReady(ctx context.Context, timeout time.Duration) error
	Content(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	URL(ctx context.Context) (string, error)
	IsVisible(ctx context.Context, selector string) (bool, error)
	Count(ctx context.Context, selector string) (int, error)
	Click(ctx context.Context, selector string, force bool) error
	Fill(ctx context.Context, selector, value string) error
	Press(ctx context.Context, key string) error
	TypeText(ctx context.Context, text string) error
	Text(ctx context.Context, selector string) (string, error)
	Evaluate(ctx context.Context, script string) error
	StorageState(ctx context.Context) (*browser.StorageState, error)
	Close(ctx context.Context) error
}

// LaunchFunc produces the browser page a session will own for its lifetime.
// Launch failures are routed through the status record like any other
// in-run error.
type LaunchFunc func(ctx context.Context) (Driver, error)

var _ Driver = (*browser.Page)(nil)
