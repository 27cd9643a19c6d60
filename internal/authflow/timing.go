package authflow

import "time"

// Timing collects every pacing knob of the flow. Production uses
// DefaultTiming; tests shrink the intervals so a full run completes in
// milliseconds without changing the loop structure.
type Timing struct {
	// NavigationTimeout bounds the post-navigation settle wait. Expiry is
	// tolerated; the flow proceeds with whatever has rendered.
	NavigationTimeout time.Duration
	// SettleDelay gives page scripts a moment after a navigation or click.
	SettleDelay time.Duration

	// ChallengeRounds polls for the anti-automation widget to clear.
	ChallengeRounds   int
	ChallengeInterval time.Duration
	// ChallengeExtraWait is the final grace period when the widget never
	// visibly clears.
	ChallengeExtraWait time.Duration

	// TransitionDelay follows each form submission.
	TransitionDelay time.Duration

	// PasswordRounds polls for the password field to appear.
	PasswordRounds   int
	PasswordInterval time.Duration

	// ConvergeRounds bounds the main outcome-detection loop.
	ConvergeRounds   int
	ConvergeInterval time.Duration

	// OTPRounds polls the store for a caller-submitted code.
	OTPRounds   int
	OTPInterval time.Duration
	// OTPSettleDelay follows code entry, before the redirect is probed.
	OTPSettleDelay time.Duration

	// FailurePause follows a rejected-credentials message, leaving the page
	// readable before the loop resumes.
	FailurePause time.Duration
	// FinalPause precedes teardown when the loop exhausts without a verdict,
	// so a trailing redirect still has a chance to land in a debug dump.
	FinalPause time.Duration
}

// DefaultTiming returns the production pacing profile.
func DefaultTiming() Timing {
	return Timing{
		NavigationTimeout:  10 * time.Second,
		SettleDelay:        2 * time.Second,
		ChallengeRounds:    10,
		ChallengeInterval:  2 * time.Second,
		ChallengeExtraWait: 20 * time.Second,
		TransitionDelay:    3 * time.Second,
		PasswordRounds:     10,
		PasswordInterval:   time.Second,
		ConvergeRounds:     20,
		ConvergeInterval:   2 * time.Second,
		OTPRounds:          120,
		OTPInterval:        time.Second,
		OTPSettleDelay:     3 * time.Second,
		FailurePause:       5 * time.Second,
		FinalPause:         10 * time.Second,
	}
}
