package authflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/estvita/partnergate/internal/store"
)

const testTarget = "https://portal.example.com/partners-app/login"

func newTestFacade(t *testing.T, page *fakePage, mutate func(*Options)) (*Facade, store.Store) {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })

	opts := DefaultOptions()
	opts.Timing = fastTiming()
	if mutate != nil {
		mutate(&opts)
	}
	launch := func(context.Context) (Driver, error) { return page, nil }
	return NewFacade(st, launch, zap.NewNop(), opts, 2), st
}

// waitStatus polls the facade until the predicate holds, failing the test
// after a generous deadline.
func waitStatus(t *testing.T, f *Facade, id string, pred func(Status) bool) *StatusPayload {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		payload, ok, err := f.Status(ctx, id)
		require.NoError(t, err)
		if ok && pred(payload.Status) {
			return payload
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session %s never reached the expected status", id)
	return nil
}

func waitTerminal(t *testing.T, f *Facade, id string) *StatusPayload {
	t.Helper()
	return waitStatus(t, f, id, func(s Status) bool { return s.Terminal() })
}

func TestPasswordOnlyFlow(t *testing.T) {
	page := newFakePage()
	page.showLoginForm()
	page.onFill = func(f *fakePage, selector, value string) {
		switch {
		case strings.Contains(selector, `name="login"`):
			f.showPasswordForm()
		case strings.Contains(selector, "password"):
			f.showSuccess()
		}
	}
	facade, _ := newTestFacade(t, page, nil)
	ctx := context.Background()

	id, err := facade.Start(ctx, testTarget, "user@example.com", "hunter2")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	payload := waitTerminal(t, facade, id)
	assert.Equal(t, StatusSuccess, payload.Status)
	assert.Equal(t, "Authentication successful", payload.Message)

	result, found, err := facade.Result(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	var captured struct {
		Cookies []struct {
			Name string `json:"name"`
		} `json:"cookies"`
	}
	require.NoError(t, json.Unmarshal(result, &captured))
	require.Len(t, captured.Cookies, 1)
	assert.Equal(t, "session_id", captured.Cookies[0].Name)

	page.lockDo(func(f *fakePage) {
		assert.Equal(t, "user@example.com", f.fills[`input[name="login"]`])
		assert.Equal(t, "hunter2", f.fills[`input[type="password"]`])
	})

	assert.Eventually(t, func() bool {
		var closed bool
		page.lockDo(func(f *fakePage) { closed = f.closed })
		return closed
	}, time.Second, 2*time.Millisecond, "browser must be closed after the run")

	// Terminal statuses are absorbing.
	for i := 0; i < 5; i++ {
		p, ok, err := facade.Status(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, StatusSuccess, p.Status)
		time.Sleep(2 * time.Millisecond)
	}
}

func TestOTPFlow(t *testing.T) {
	page := newFakePage()
	page.showLoginForm()
	page.onFill = func(f *fakePage, selector, value string) {
		switch {
		case strings.Contains(selector, `name="login"`):
			f.showPasswordForm()
		case strings.Contains(selector, "password"):
			f.showOTPForm()
		case strings.Contains(selector, `name="code"`):
			f.showSuccess()
		}
	}
	facade, _ := newTestFacade(t, page, nil)
	ctx := context.Background()

	id, err := facade.Start(ctx, testTarget, "user@example.com", "hunter2")
	require.NoError(t, err)

	payload := waitStatus(t, facade, id, func(s Status) bool { return s == StatusOTPRequired })
	assert.Equal(t, "Enter SMS/Code", payload.Message)

	// The code arrives a moment after the prompt, well inside the wait
	// budget.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, facade.SubmitOTP(ctx, id, "123456"))

	payload = waitTerminal(t, facade, id)
	assert.Equal(t, StatusSuccess, payload.Status)

	page.lockDo(func(f *fakePage) {
		assert.Equal(t, "123456", f.fills[`input[name="code"]`])
	})
}

func TestSegmentedOTPInput(t *testing.T) {
	page := newFakePage()
	page.showLoginForm()
	page.onFill = func(f *fakePage, selector, value string) {
		switch {
		case strings.Contains(selector, `name="login"`):
			f.showPasswordForm()
		case strings.Contains(selector, "password"):
			f.visible = map[string]bool{selCodeSegment: true}
			f.counts[selCodeSegment] = 6
			f.content = "<html><body>enter the code</body></html>"
		}
	}
	page.onType = func(f *fakePage, _ string) {
		f.showSuccess()
	}
	facade, _ := newTestFacade(t, page, nil)
	ctx := context.Background()

	id, err := facade.Start(ctx, testTarget, "user@example.com", "hunter2")
	require.NoError(t, err)

	waitStatus(t, facade, id, func(s Status) bool { return s == StatusOTPRequired })
	require.NoError(t, facade.SubmitOTP(ctx, id, "654321"))

	payload := waitTerminal(t, facade, id)
	assert.Equal(t, StatusSuccess, payload.Status)

	page.lockDo(func(f *fakePage) {
		assert.Equal(t, "654321", f.typed)
	})
	assert.True(t, page.clickedAny(selCodeSegment),
		"the first code segment must be focused before typing")
}

func TestNoOTPProvidedFails(t *testing.T) {
	page := newFakePage()
	page.showLoginForm()
	page.onFill = func(f *fakePage, selector, value string) {
		switch {
		case strings.Contains(selector, `name="login"`):
			f.showPasswordForm()
		case strings.Contains(selector, "password"):
			f.showOTPForm()
		}
	}
	facade, _ := newTestFacade(t, page, func(o *Options) {
		o.Timing.OTPRounds = 3
		o.Timing.ConvergeRounds = 3
	})
	ctx := context.Background()

	id, err := facade.Start(ctx, testTarget, "user@example.com", "hunter2")
	require.NoError(t, err)

	payload := waitTerminal(t, facade, id)
	assert.Equal(t, StatusFailed, payload.Status)
	assert.Equal(t, "Process terminated unexpectedly", payload.Message)

	_, found, err := facade.Result(ctx, id)
	require.NoError(t, err)
	assert.False(t, found, "a failed session must not leave a result")
}

func TestBadCredentials(t *testing.T) {
	page := newFakePage()
	page.showLoginForm()
	page.onFill = func(f *fakePage, selector, value string) {
		switch {
		case strings.Contains(selector, `name="login"`):
			f.showPasswordForm()
		case strings.Contains(selector, "password"):
			f.visible = map[string]bool{}
			f.content = "<html><body>Incorrect password</body></html>"
		}
	}
	facade, _ := newTestFacade(t, page, func(o *Options) {
		o.Timing.ConvergeRounds = 3
	})
	ctx := context.Background()

	id, err := facade.Start(ctx, testTarget, "user@example.com", "wrong")
	require.NoError(t, err)

	payload := waitTerminal(t, facade, id)
	assert.Equal(t, StatusFailed, payload.Status)

	_, found, err := facade.Result(ctx, id)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPhoneOnlyFormSwitchesToUsername(t *testing.T) {
	page := newFakePage()
	page.visible[`input[type="tel"]`] = true
	page.visible[selMoreOptionsButton] = true
	page.onClick = func(f *fakePage, selector string) {
		switch selector {
		case selMoreOptionsButton:
			f.visible[selLoginMethodMenu] = true
		case selLoginMethodMenu:
			f.visible = map[string]bool{}
			f.showLoginForm()
		}
	}
	page.onFill = func(f *fakePage, selector, value string) {
		switch {
		case strings.Contains(selector, `name="login"`):
			f.showPasswordForm()
		case strings.Contains(selector, "password"):
			f.showSuccess()
		}
	}
	facade, _ := newTestFacade(t, page, nil)
	ctx := context.Background()

	id, err := facade.Start(ctx, testTarget, "user@example.com", "hunter2")
	require.NoError(t, err)

	payload := waitTerminal(t, facade, id)
	assert.Equal(t, StatusSuccess, payload.Status)

	page.lockDo(func(f *fakePage) {
		assert.Contains(t, f.clicks, selMoreOptionsButton)
		assert.Contains(t, f.clicks, selLoginMethodMenu)
		assert.Equal(t, "user@example.com", f.fills[`input[name="login"]`])
	})
}

func TestPhoneLoginSelectsPhoneEntry(t *testing.T) {
	page := newFakePage()
	page.showLoginForm()
	page.visible[`input[type="tel"]`] = true
	page.counts[selPhoneToggle] = 1
	page.onFill = func(f *fakePage, selector, value string) {
		switch {
		case strings.Contains(selector, `name="login"`):
			f.showPasswordForm()
		case strings.Contains(selector, "password"):
			f.showSuccess()
		}
	}
	facade, _ := newTestFacade(t, page, nil)
	ctx := context.Background()

	id, err := facade.Start(ctx, testTarget, "+1 555 123 4567", "hunter2")
	require.NoError(t, err)

	payload := waitTerminal(t, facade, id)
	assert.Equal(t, StatusSuccess, payload.Status)
	assert.True(t, page.clickedAny(selPhoneToggle))
}

func TestChallengeClearsAfterDelay(t *testing.T) {
	page := newFakePage()
	page.url = "https://captcha.example.com/showcaptcha"
	page.content = "<html><body>SmartCaptcha challenge</body></html>"
	page.title = "Are you a robot?"
	page.visible[selChallengeButton] = true
	page.onFill = func(f *fakePage, selector, value string) {
		switch {
		case strings.Contains(selector, `name="login"`):
			f.showPasswordForm()
		case strings.Contains(selector, "password"):
			f.showSuccess()
		}
	}
	facade, _ := newTestFacade(t, page, nil)
	ctx := context.Background()

	id, err := facade.Start(ctx, testTarget, "user@example.com", "hunter2")
	require.NoError(t, err)

	// The widget clears a few polling rounds in.
	go func() {
		time.Sleep(5 * time.Millisecond)
		page.lockDo(func(f *fakePage) {
			f.content = "<html><body>login form</body></html>"
			f.title = "Sign in"
			f.showLoginForm()
		})
	}()

	payload := waitTerminal(t, facade, id)
	assert.Equal(t, StatusSuccess, payload.Status)
	assert.True(t, page.clickedAny(selChallengeButton))
}

func TestProfilePageTriggersReentry(t *testing.T) {
	page := newFakePage()
	page.showLoginForm()
	page.onFill = func(f *fakePage, selector, value string) {
		switch {
		case strings.Contains(selector, `name="login"`):
			f.showPasswordForm()
		case strings.Contains(selector, "password"):
			f.visible = map[string]bool{}
			f.url = "https://id.example.com/profile"
			f.content = "<html><body>account overview</body></html>"
		}
	}
	page.onNavigate = func(f *fakePage, url string) {
		if url == testTarget && len(f.navigated) > 1 {
			f.showSuccess()
		}
	}
	facade, _ := newTestFacade(t, page, nil)
	ctx := context.Background()

	id, err := facade.Start(ctx, testTarget, "user@example.com", "hunter2")
	require.NoError(t, err)

	payload := waitTerminal(t, facade, id)
	assert.Equal(t, StatusSuccess, payload.Status)

	page.lockDo(func(f *fakePage) {
		require.GreaterOrEqual(t, len(f.navigated), 2,
			"the portal must be re-entered from the profile page")
	})
}

func TestLoginFieldNotFoundFailsWithSnippet(t *testing.T) {
	page := newFakePage()
	page.content = "<html><body>maintenance page, come back later</body></html>"
	facade, _ := newTestFacade(t, page, nil)
	ctx := context.Background()

	id, err := facade.Start(ctx, testTarget, "user@example.com", "hunter2")
	require.NoError(t, err)

	payload := waitTerminal(t, facade, id)
	assert.Equal(t, StatusFailed, payload.Status)
	assert.Contains(t, payload.Message, "could not find login input field")
	assert.Contains(t, payload.Message, "maintenance page")
}

func TestLaunchFailure(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	opts := DefaultOptions()
	opts.Timing = fastTiming()
	launch := func(context.Context) (Driver, error) {
		return nil, fmt.Errorf("no usable browser found")
	}
	facade := NewFacade(st, launch, zap.NewNop(), opts, 2)
	ctx := context.Background()

	id, err := facade.Start(ctx, testTarget, "user@example.com", "hunter2")
	require.NoError(t, err, "launch failures surface via the status record, not Start")

	payload := waitTerminal(t, facade, id)
	assert.Equal(t, StatusFailed, payload.Status)
	assert.Contains(t, payload.Message, "no usable browser found")
}

func TestForcePasswordButton(t *testing.T) {
	page := newFakePage()
	page.showLoginForm()
	page.onFill = func(f *fakePage, selector, value string) {
		switch {
		case strings.Contains(selector, `name="login"`):
			// A method-selection screen appears instead of the password
			// field.
			f.visible = map[string]bool{selForcePassword: true}
		case strings.Contains(selector, "password"):
			f.showSuccess()
		}
	}
	page.onClick = func(f *fakePage, selector string) {
		if selector == selForcePassword {
			f.showPasswordForm()
		}
	}
	facade, _ := newTestFacade(t, page, nil)
	ctx := context.Background()

	id, err := facade.Start(ctx, testTarget, "user@example.com", "hunter2")
	require.NoError(t, err)

	payload := waitTerminal(t, facade, id)
	assert.Equal(t, StatusSuccess, payload.Status)

	page.lockDo(func(f *fakePage) {
		assert.Contains(t, f.clicks, selForcePassword)
		assert.Equal(t, "hunter2", f.fills[`input[type="password"]`])
	})
}

func TestPhoneConfirmationInterstitial(t *testing.T) {
	page := newFakePage()
	page.showLoginForm()
	page.onFill = func(f *fakePage, selector, value string) {
		switch {
		case strings.Contains(selector, `name="login"`):
			f.showPasswordForm()
		case strings.Contains(selector, "password"):
			f.visible = map[string]bool{selPhoneConfirmNext: true}
			f.url = "https://passport.example.com/challenges/phone-confirmation"
			f.content = "<html><body>confirm your phone number</body></html>"
		}
	}
	page.onClick = func(f *fakePage, selector string) {
		if selector == selPhoneConfirmNext {
			f.showSuccess()
		}
	}
	facade, _ := newTestFacade(t, page, nil)
	ctx := context.Background()

	id, err := facade.Start(ctx, testTarget, "user@example.com", "hunter2")
	require.NoError(t, err)

	payload := waitTerminal(t, facade, id)
	assert.Equal(t, StatusSuccess, payload.Status)

	page.lockDo(func(f *fakePage) {
		assert.Contains(t, f.clicks, selPhoneConfirmNext)
	})
}

func TestBiometricPromoDismissed(t *testing.T) {
	page := newFakePage()
	page.showLoginForm()
	page.onFill = func(f *fakePage, selector, value string) {
		switch {
		case strings.Contains(selector, `name="login"`):
			f.showPasswordForm()
		case strings.Contains(selector, "password"):
			f.visible = map[string]bool{}
			f.content = "<html><body>Want to log in with face or fingerprint?</body></html>"
		}
	}
	page.onClick = func(f *fakePage, selector string) {
		if selector == selBiometricLater {
			f.showSuccess()
		}
	}
	facade, _ := newTestFacade(t, page, nil)
	ctx := context.Background()

	id, err := facade.Start(ctx, testTarget, "user@example.com", "hunter2")
	require.NoError(t, err)

	payload := waitTerminal(t, facade, id)
	assert.Equal(t, StatusSuccess, payload.Status)

	page.lockDo(func(f *fakePage) {
		assert.Contains(t, f.clicks, selBiometricLater)
	})
}

func TestSMSFallbackAfterBadPassword(t *testing.T) {
	page := newFakePage()
	page.showLoginForm()
	page.onFill = func(f *fakePage, selector, value string) {
		switch {
		case strings.Contains(selector, `name="login"`):
			f.showPasswordForm()
		case strings.Contains(selector, "password"):
			f.visible = map[string]bool{selSMSFallback: true}
			f.content = "<html><body>Incorrect password. Log in with SMS</body></html>"
		case strings.Contains(selector, `name="code"`):
			f.showSuccess()
		}
	}
	page.onClick = func(f *fakePage, selector string) {
		if selector == selSMSFallback {
			f.showOTPForm()
		}
	}
	facade, _ := newTestFacade(t, page, nil)
	ctx := context.Background()

	id, err := facade.Start(ctx, testTarget, "user@example.com", "hunter2")
	require.NoError(t, err)

	waitStatus(t, facade, id, func(s Status) bool { return s == StatusOTPRequired })
	require.NoError(t, facade.SubmitOTP(ctx, id, "123456"))

	// The rejected password marked the session FAILED mid-loop; a working
	// code path afterwards still wins.
	payload := waitTerminal(t, facade, id)
	assert.Equal(t, StatusSuccess, payload.Status)

	page.lockDo(func(f *fakePage) {
		assert.Contains(t, f.clicks, selSMSFallback)
		assert.Equal(t, "123456", f.fills[`input[name="code"]`])
	})
}

func TestChallengeRepokeFallsBackToCheckbox(t *testing.T) {
	page := newFakePage()
	page.url = "https://captcha.example.com/showcaptcha"
	page.content = "<html><body>SmartCaptcha challenge</body></html>"
	page.title = "Are you a robot?"
	page.visible[selChallengeButton] = true
	// The scripted re-poke throws when the button is gone from the DOM.
	page.evalErr = fmt.Errorf("TypeError: Cannot read properties of null")
	page.onFill = func(f *fakePage, selector, value string) {
		switch {
		case strings.Contains(selector, `name="login"`):
			f.showPasswordForm()
		case strings.Contains(selector, "password"):
			f.showSuccess()
		}
	}
	facade, _ := newTestFacade(t, page, nil)
	ctx := context.Background()

	id, err := facade.Start(ctx, testTarget, "user@example.com", "hunter2")
	require.NoError(t, err)

	go func() {
		time.Sleep(8 * time.Millisecond)
		page.lockDo(func(f *fakePage) {
			f.content = "<html><body>login form</body></html>"
			f.title = "Sign in"
			f.showLoginForm()
		})
	}()

	payload := waitTerminal(t, facade, id)
	assert.Equal(t, StatusSuccess, payload.Status)

	page.lockDo(func(f *fakePage) {
		assert.Contains(t, f.clicks, selChallengeCheckbox,
			"a failed scripted re-poke must fall back to the checkbox")
	})
}

func TestSessionLogCap(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	opts := DefaultOptions()
	ctx := context.Background()

	s := &Session{id: "log-cap", store: st, logger: zap.NewNop(), opts: opts}
	for i := 0; i < 60; i++ {
		s.appendLog(ctx, fmt.Sprintf("line %d", i))
	}

	raw, err := st.Get(ctx, s.logsKey())
	require.NoError(t, err)
	var lines []string
	require.NoError(t, json.Unmarshal(raw, &lines))
	require.Len(t, lines, maxLogEntries)
	assert.Contains(t, lines[0], "line 10")
	assert.Contains(t, lines[len(lines)-1], "line 59")
}
