package authflow

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"

	"github.com/estvita/partnergate/internal/browser"
)

// fakePage is a scripted Driver. Tests describe the page through the url,
// title, content, visible and counts fields, and hook the interaction
// methods to advance the "page" the way a real portal would. All hooks run
// with the lock held; they must only touch fields directly.
type fakePage struct {
	mu      sync.Mutex
	url     string
	title   string
	content string
	visible map[string]bool
	counts  map[string]int

	clicks    []string
	fills     map[string]string
	typed     string
	navigated []string
	closed    bool

	reads int

	onNavigate func(f *fakePage, url string)
	onClick    func(f *fakePage, selector string)
	onFill     func(f *fakePage, selector, value string)
	onType     func(f *fakePage, text string)
	onRead     func(f *fakePage)

	state    *browser.StorageState
	stateErr error
	evalErr  error
}

var _ Driver = (*fakePage)(nil)

func newFakePage() *fakePage {
	return &fakePage{
		url:     "https://passport.example.com/auth",
		title:   "Sign in",
		content: "<html><body>login form</body></html>",
		visible: map[string]bool{},
		counts:  map[string]int{},
		fills:   map[string]string{},
		state: &browser.StorageState{
			URL:     "https://portal.example.com/partners-app/",
			Cookies: []*network.Cookie{{Name: "session_id", Value: "abc123"}},
		},
	}
}

func (f *fakePage) lockDo(fn func(*fakePage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakePage) Navigate(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigated = append(f.navigated, url)
	if f.onNavigate != nil {
		f.onNavigate(f, url)
	}
	return nil
}

func (f *fakePage) WaitReady(context.Context, time.Duration) error { return nil }

// advance runs the per-read hook; every page observation counts as one step
// of scripted time.
func (f *fakePage) advance() {
	f.reads++
	if f.onRead != nil {
		f.onRead(f)
	}
}

func (f *fakePage) Content(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advance()
	return f.content, nil
}

func (f *fakePage) Title(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.title, nil
}

func (f *fakePage) URL(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url, nil
}

func (f *fakePage) IsVisible(_ context.Context, selector string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visible[selector], nil
}

func (f *fakePage) Count(_ context.Context, selector string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[selector], nil
}

func (f *fakePage) Click(_ context.Context, selector string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicks = append(f.clicks, selector)
	if f.onClick != nil {
		f.onClick(f, selector)
	}
	return nil
}

func (f *fakePage) Fill(_ context.Context, selector, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fills[selector] = value
	if f.onFill != nil {
		f.onFill(f, selector, value)
	}
	return nil
}

func (f *fakePage) Press(context.Context, string) error { return nil }

func (f *fakePage) TypeText(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typed += text
	if f.onType != nil {
		f.onType(f, text)
	}
	return nil
}

func (f *fakePage) Text(context.Context, string) (string, error) { return "", nil }

func (f *fakePage) Evaluate(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evalErr
}

func (f *fakePage) StorageState(context.Context) (*browser.StorageState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	return f.state, nil
}

func (f *fakePage) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePage) clickedAny(selector string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clicks {
		if strings.Contains(c, selector) || strings.Contains(selector, c) {
			return true
		}
	}
	return false
}

// showLoginForm makes the email login field visible.
func (f *fakePage) showLoginForm() {
	f.visible[`input[name="login"]`] = true
	f.visible[`input[type="text"]`] = true
}

// showPasswordForm swaps the login field for the password field.
func (f *fakePage) showPasswordForm() {
	f.visible = map[string]bool{`input[type="password"]`: true}
}

// showOTPForm swaps the form for a single code input.
func (f *fakePage) showOTPForm() {
	f.visible = map[string]bool{`input[name="code"]`: true}
	f.content = "<html><body>enter the code from the SMS</body></html>"
}

// showSuccess lands the page on the authenticated portal.
func (f *fakePage) showSuccess() {
	f.visible = map[string]bool{}
	f.url = "https://portal.example.com/partners-app/dashboard"
	f.title = "Partner dashboard"
	f.content = "<html><body>welcome</body></html>"
}

// fastTiming keeps the loop structure but collapses all pacing so a full
// scripted run finishes in milliseconds.
func fastTiming() Timing {
	return Timing{
		NavigationTimeout:  10 * time.Millisecond,
		SettleDelay:        time.Millisecond,
		ChallengeRounds:    10,
		ChallengeInterval:  time.Millisecond,
		ChallengeExtraWait: 5 * time.Millisecond,
		TransitionDelay:    time.Millisecond,
		PasswordRounds:     10,
		PasswordInterval:   time.Millisecond,
		ConvergeRounds:     20,
		ConvergeInterval:   time.Millisecond,
		OTPRounds:          100,
		OTPInterval:        time.Millisecond,
		OTPSettleDelay:     time.Millisecond,
		FailurePause:       time.Millisecond,
		FinalPause:         time.Millisecond,
	}
}
