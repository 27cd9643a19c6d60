package authflow

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"
)

// run executes the whole flow on the session's goroutine. Whatever happens
// inside, the session always leaves this function in a terminal status with
// the browser closed and its concurrency slot released.
func (s *Session) run() {
	ctx := context.Background()
	var drv Driver

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Session goroutine panicked",
				zap.Any("panic", r), zap.String("stack", string(debug.Stack())))
			s.setStatus(ctx, StatusFailed, fmt.Sprintf("Error: %v", r))
		}
		if drv != nil {
			if err := drv.Close(ctx); err != nil {
				s.logger.Warn("Browser close failed", zap.Error(err))
			}
		}
		// No session may outlive its goroutine in a non-terminal status.
		if rec, err := s.currentStatus(ctx); err == nil && !rec.Status.Terminal() {
			s.setStatus(ctx, StatusFailed, "Process terminated unexpectedly")
		}
		if s.releaseSlot != nil {
			s.releaseSlot()
		}
	}()

	if s.acquireSlot != nil {
		s.setStatus(ctx, StatusRunning, "Waiting for a free browser slot...")
		if err := s.acquireSlot(ctx); err != nil {
			s.setStatus(ctx, StatusFailed, "Error: "+err.Error())
			return
		}
	}

	s.setStatus(ctx, StatusRunning, "Starting browser...")
	var err error
	drv, err = s.launch(ctx)
	if err != nil {
		s.logger.Error("Browser launch failed", zap.Error(err))
		s.setStatus(ctx, StatusFailed, "Error: "+err.Error())
		return
	}

	if err := s.runFlow(ctx, drv); err != nil {
		s.appendLog(ctx, fmt.Sprintf("Error during auth process: %v", err))
		s.logger.Error("Authentication flow failed",
			zap.String("session_id", s.id), zap.Error(err))
		s.setStatus(ctx, StatusFailed, "Error: "+err.Error())
	}
}

// runFlow drives the phases in order. A nil return means either success
// (status already SUCCESS) or a quiet exhaustion the deferred cleanup will
// convert to FAILED.
func (s *Session) runFlow(ctx context.Context, drv Driver) error {
	s.setStatus(ctx, StatusRunning, "Opening login page...")
	s.appendLog(ctx, "Navigating to "+s.targetURL)
	if err := drv.Navigate(ctx, s.targetURL); err != nil {
		return fmt.Errorf("failed to open login page: %w", err)
	}
	// Slow pages are tolerated; proceed with whatever rendered.
	if err := drv.WaitReady(ctx, s.opts.Timing.NavigationTimeout); err != nil {
		s.appendLog(ctx, "Page still loading, continuing anyway")
	}
	s.sleep(ctx, s.opts.Timing.SettleDelay)

	if err := s.challengePhase(ctx, drv); err != nil {
		return err
	}
	if err := s.loginPhase(ctx, drv); err != nil {
		return err
	}
	if err := s.passwordPhase(ctx, drv); err != nil {
		return err
	}
	return s.converge(ctx, drv)
}

// challengePhase detects the anti-automation interstitial and pokes at it
// until the login form appears or the round budget runs out. Never fatal:
// some accounts simply skip the widget, and a stuck widget still gets the
// extra grace wait before the flow moves on.
func (s *Session) challengePhase(ctx context.Context, drv Driver) error {
	content, _ := drv.Content(ctx)
	title, _ := drv.Title(ctx)
	if !s.opts.Markers.isChallenge(content, title) {
		return nil
	}

	s.appendLog(ctx, "Challenge detected, attempting to pass...")
	s.setStatus(ctx, StatusRunning, "Solving challenge...")
	s.dumpPage(ctx, drv, "01_challenge_found")
	s.sleep(ctx, s.opts.Timing.SettleDelay)

	if visible, _ := drv.IsVisible(ctx, selChallengeButton); visible {
		if err := drv.Click(ctx, selChallengeButton, false); err != nil {
			s.logger.Debug("Challenge button click failed", zap.Error(err))
		}
	} else if err := drv.Click(ctx, selChallengeCheckbox, true); err != nil {
		s.logger.Debug("Challenge checkbox click failed", zap.Error(err))
	}

	for attempt := 0; attempt < s.opts.Timing.ChallengeRounds; attempt++ {
		if s.challengeCleared(ctx, drv) {
			s.appendLog(ctx, "Challenge passed")
			s.dumpPage(ctx, drv, "01_challenge_passed")
			return nil
		}
		// Re-poke every third round in case the first click missed. A
		// missing button makes the script throw, which routes to the
		// checkbox fallback.
		if attempt > 0 && attempt%3 == 0 {
			if err := drv.Evaluate(ctx,
				`document.querySelector("#js-button").click()`); err != nil {
				if err := drv.Click(ctx, selChallengeCheckbox, true); err != nil {
					s.logger.Debug("Challenge re-poke failed", zap.Error(err))
				}
			}
		}
		if !s.sleep(ctx, s.opts.Timing.ChallengeInterval) {
			return ctx.Err()
		}
	}

	// The widget never cleared; grant one long grace period and carry on.
	s.appendLog(ctx, "Challenge still present, waiting it out...")
	deadline := s.opts.Timing.ChallengeExtraWait
	step := s.opts.Timing.ChallengeInterval
	if step <= 0 {
		step = deadline
	}
	var waited time.Duration
	for waited < deadline {
		if s.challengeCleared(ctx, drv) {
			s.appendLog(ctx, "Challenge passed")
			return nil
		}
		if !s.sleep(ctx, step) {
			return ctx.Err()
		}
		waited += step
	}
	return nil
}

// challengeCleared reports whether the login form has replaced the widget.
func (s *Session) challengeCleared(ctx context.Context, drv Driver) bool {
	for _, strat := range loginFieldStrategies {
		if visible, _ := drv.IsVisible(ctx, strat.selector); visible {
			return true
		}
	}
	if url, err := drv.URL(ctx); err == nil &&
		s.opts.Markers.ChallengeClearedURL != "" &&
		strings.Contains(url, s.opts.Markers.ChallengeClearedURL) {
		return true
	}
	return false
}

// loginPhase resolves the identifier input, switching the form to the right
// entry mode first, and submits the login. Failing to find any input is the
// one fatal outcome here; the page content prefix goes into the error so the
// failure is diagnosable from the session log alone.
func (s *Session) loginPhase(ctx context.Context, drv Driver) error {
	s.setStatus(ctx, StatusRunning, "Entering login...")
	s.sleep(ctx, s.opts.Timing.SettleDelay)
	s.dumpPage(ctx, drv, "02_before_login_search")

	s.switchLoginMethod(ctx, drv)

	strat, found := s.firstVisible(ctx, drv, loginFieldStrategies)
	if !found {
		s.dumpPage(ctx, drv, "99_login_not_found")
		content, _ := drv.Content(ctx)
		snippet := content
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return fmt.Errorf("could not find login input field; page starts with: %q", snippet)
	}

	s.appendLog(ctx, "Login field found ("+strat.label+"), submitting identifier")
	if err := drv.Fill(ctx, strat.selector, s.login); err != nil {
		return fmt.Errorf("failed to enter login: %w", err)
	}
	if err := drv.Press(ctx, "Enter"); err != nil {
		return fmt.Errorf("failed to submit login: %w", err)
	}
	s.sleep(ctx, s.opts.Timing.TransitionDelay)
	s.dumpPage(ctx, drv, "03_after_login_submit")
	return nil
}

// switchLoginMethod flips the form to email or phone entry to match the
// identifier. Every step is best-effort: forms without toggles are common
// and the ranked probes below cope with either mode.
func (s *Session) switchLoginMethod(ctx context.Context, drv Driver) {
	isPhone := looksLikePhone(s.login)

	if !isPhone {
		// Phone-first forms hide the username input behind a "more
		// options" disclosure.
		phoneOnly := false
		if visible, _ := drv.IsVisible(ctx, `input[type="tel"]`); visible {
			if loginVisible, _ := drv.IsVisible(ctx, `input[name="login"]`); !loginVisible {
				phoneOnly = true
			}
		}
		if moreVisible, _ := drv.IsVisible(ctx, selMoreOptionsButton); moreVisible && phoneOnly {
			s.appendLog(ctx, "Phone-only form, opening more sign-in options")
			if err := drv.Click(ctx, selMoreOptionsButton, false); err != nil {
				s.logger.Debug("More-options click failed", zap.Error(err))
			}
			s.sleep(ctx, s.opts.Timing.SettleDelay)
			if menuVisible, _ := drv.IsVisible(ctx, selLoginMethodMenu); menuVisible {
				if err := drv.Click(ctx, selLoginMethodMenu, false); err != nil {
					s.logger.Debug("Login-method menu click failed", zap.Error(err))
				}
				s.sleep(ctx, s.opts.Timing.SettleDelay)
			} else {
				s.appendLog(ctx, "Username option not offered, proceeding with visible form")
			}
		}
	}

	toggle := selEmailToggle
	if isPhone {
		toggle = selPhoneToggle
	}
	if count, _ := drv.Count(ctx, toggle); count > 0 {
		// Radio inputs are usually covered by styled labels; a scripted
		// click lands regardless.
		if err := drv.Click(ctx, toggle, true); err != nil {
			s.logger.Debug("Entry-mode toggle failed", zap.Error(err))
		} else if isPhone {
			s.appendLog(ctx, "Switched form to phone entry")
		} else {
			s.appendLog(ctx, "Switched form to email entry")
		}
		s.sleep(ctx, s.opts.Timing.SettleDelay)
	}
}

// passwordPhase waits for the password input and submits the password. Some
// flows interpose a method-selection screen with an explicit password
// button; clicking it is folded into the same polling loop. Not finding the
// field is non-fatal because password-less accounts go straight to a code.
func (s *Session) passwordPhase(ctx context.Context, drv Driver) error {
	s.setStatus(ctx, StatusRunning, "Entering password...")

	for i := 0; i < s.opts.Timing.PasswordRounds; i++ {
		if visible, _ := drv.IsVisible(ctx, selForcePassword); visible {
			s.appendLog(ctx, "Choosing password sign-in")
			if err := drv.Click(ctx, selForcePassword, false); err != nil {
				s.logger.Debug("Password-method click failed", zap.Error(err))
			}
			s.sleep(ctx, s.opts.Timing.SettleDelay)
		}

		if strat, found := s.firstVisible(ctx, drv, passwordFieldStrategies); found {
			s.appendLog(ctx, "Password field found ("+strat.label+"), submitting password")
			if err := drv.Fill(ctx, strat.selector, s.password); err != nil {
				return fmt.Errorf("failed to enter password: %w", err)
			}
			if err := drv.Press(ctx, "Enter"); err != nil {
				return fmt.Errorf("failed to submit password: %w", err)
			}
			s.sleep(ctx, s.opts.Timing.TransitionDelay)
			s.dumpPage(ctx, drv, "04_after_password_submit")
			return nil
		}
		if !s.sleep(ctx, s.opts.Timing.PasswordInterval) {
			return ctx.Err()
		}
	}

	s.appendLog(ctx, "Password field did not appear, continuing without it")
	return nil
}

// converge is the outcome-detection loop: each round it reads the page and
// dispatches on what it sees until success, a definite failure plus budget
// exhaustion, or plain exhaustion.
func (s *Session) converge(ctx context.Context, drv Driver) error {
	s.setStatus(ctx, StatusRunning, "Waiting for authentication result...")

	for round := 0; round < s.opts.Timing.ConvergeRounds; round++ {
		url, uerr := drv.URL(ctx)
		title, terr := drv.Title(ctx)
		content, cerr := drv.Content(ctx)
		if uerr != nil || terr != nil || cerr != nil {
			// Mid-navigation reads fail; the next round retries.
			s.appendLog(ctx, "Page is navigating, waiting...")
			if !s.sleep(ctx, s.opts.Timing.ConvergeInterval) {
				return ctx.Err()
			}
			continue
		}

		badCreds := s.opts.Markers.isBadCredentials(content)
		if badCreds {
			s.appendLog(ctx, "Portal rejected the password")
			s.setStatus(ctx, StatusFailed, "Incorrect password")
			s.sleep(ctx, s.opts.Timing.FailurePause)
		}

		s.appendLog(ctx, fmt.Sprintf("Checking result (round %d): %s", round+1, url))

		switch {
		case s.opts.Markers.isSuccess(url, title):
			return s.captureSuccess(ctx, drv)

		case s.opts.Markers.isProfilePage(url):
			// Landed on the generic account page; the portal needs an
			// explicit re-entry to pick up the fresh session.
			s.appendLog(ctx, "On profile page, returning to portal...")
			if err := drv.Navigate(ctx, s.targetURL); err != nil {
				s.logger.Debug("Portal re-navigation failed", zap.Error(err))
			}
			s.sleep(ctx, s.opts.Timing.TransitionDelay)
			continue

		case s.opts.Markers.isPhoneConfirmation(url):
			s.confirmPhone(ctx, drv)

		case s.opts.Markers.isBiometricPromo(content):
			s.appendLog(ctx, "Dismissing passkey enrollment promo")
			if err := drv.Click(ctx, selBiometricLater, true); err != nil {
				s.logger.Debug("Promo dismissal failed", zap.Error(err))
			}

		default:
			if strat, found := s.firstVisible(ctx, drv, otpFieldStrategies); found {
				s.handleOTP(ctx, drv, strat, round)
			} else if badCreds && containsAny(content, s.opts.Markers.SMSHint) {
				// Password is wrong but the page mentions a code path.
				if visible, _ := drv.IsVisible(ctx, selSMSFallback); visible {
					s.appendLog(ctx, "Falling back to code sign-in")
					if err := drv.Click(ctx, selSMSFallback, false); err != nil {
						s.logger.Debug("Code fallback click failed", zap.Error(err))
					}
					s.sleep(ctx, s.opts.Timing.SettleDelay)
				}
			}
		}

		if !s.sleep(ctx, s.opts.Timing.ConvergeInterval) {
			return ctx.Err()
		}
	}

	s.appendLog(ctx, "Process finished without clear success")
	s.dumpPage(ctx, drv, "99_final_state")
	s.sleep(ctx, s.opts.Timing.FinalPause)
	return nil
}

// captureSuccess harvests the storage state and flips the session to
// SUCCESS. This is the only code path that writes the result record.
func (s *Session) captureSuccess(ctx context.Context, drv Driver) error {
	s.appendLog(ctx, "Authenticated, saving session state...")
	s.setStatus(ctx, StatusRunning, "Saving session...")
	state, err := drv.StorageState(ctx)
	if err != nil {
		return fmt.Errorf("failed to capture session state: %w", err)
	}
	if err := s.saveResult(ctx, state); err != nil {
		return err
	}
	s.setStatus(ctx, StatusSuccess, "Authentication successful")
	s.appendLog(ctx, "Authentication successful")
	return nil
}

// confirmPhone acknowledges the "confirm your number" interstitial.
func (s *Session) confirmPhone(ctx context.Context, drv Driver) {
	s.appendLog(ctx, "Phone confirmation requested, acknowledging")
	if visible, _ := drv.IsVisible(ctx, selPhoneConfirmNext); visible {
		if err := drv.Click(ctx, selPhoneConfirmNext, false); err != nil {
			s.logger.Debug("Phone confirmation click failed", zap.Error(err))
		}
		s.sleep(ctx, s.opts.Timing.SettleDelay)
		return
	}
	if visible, _ := drv.IsVisible(ctx, selGenericSubmit); visible {
		if err := drv.Click(ctx, selGenericSubmit, false); err != nil {
			s.logger.Debug("Phone confirmation submit failed", zap.Error(err))
		}
		s.sleep(ctx, s.opts.Timing.SettleDelay)
	}
}

// handleOTP parks the session in OTP_REQUIRED, waits for the caller to
// submit a code, and types it in. A missing code is not terminal here; the
// converge loop keeps running and teardown settles the final status.
func (s *Session) handleOTP(ctx context.Context, drv Driver, strat fieldStrategy, round int) {
	s.dumpPage(ctx, drv, fmt.Sprintf("05_otp_needed_%d", round))
	s.appendLog(ctx, "Verification code required ("+strat.label+")")
	s.setStatus(ctx, StatusOTPRequired, "Enter SMS/Code")

	code := s.waitForOTP(ctx)
	if code == "" {
		s.appendLog(ctx, "No code provided in time")
		return
	}

	s.setStatus(ctx, StatusRunning, "Submitting code...")
	s.appendLog(ctx, "Submitting verification code")

	if count, _ := drv.Count(ctx, selCodeSegment); count > 0 {
		// Segmented inputs advance focus on each keystroke.
		if err := drv.Click(ctx, selCodeSegment, false); err != nil {
			s.logger.Debug("Code segment focus failed", zap.Error(err))
		}
		if err := drv.TypeText(ctx, code); err != nil {
			s.appendLog(ctx, "Failed to type verification code")
			s.logger.Debug("Code typing failed", zap.Error(err))
			return
		}
	} else {
		if err := drv.Fill(ctx, strat.selector, code); err != nil {
			s.appendLog(ctx, "Failed to enter verification code")
			s.logger.Debug("Code fill failed", zap.Error(err))
			return
		}
		if err := drv.Press(ctx, "Enter"); err != nil {
			s.logger.Debug("Code submit failed", zap.Error(err))
		}
	}

	s.appendLog(ctx, "Code entered, waiting for redirect...")
	s.sleep(ctx, s.opts.Timing.OTPSettleDelay)
	if err := drv.WaitReady(ctx, s.opts.Timing.NavigationTimeout); err != nil {
		s.logger.Debug("Post-code settle timed out", zap.Error(err))
	}
}

// firstVisible walks a ranked strategy table and returns the first probe
// whose element is visible.
func (s *Session) firstVisible(ctx context.Context, drv Driver, strategies []fieldStrategy) (fieldStrategy, bool) {
	for _, strat := range strategies {
		if visible, _ := drv.IsVisible(ctx, strat.selector); visible {
			return strat, true
		}
	}
	return fieldStrategy{}, false
}
