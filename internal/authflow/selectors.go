package authflow

import "strings"

// fieldStrategy is one ranked attempt at locating an input. The label ends
// up in session logs so operators can see which probe matched.
type fieldStrategy struct {
	selector string
	label    string
}

// Login field probes, most specific first. The placeholder probe is the
// last resort for markupless forms.
var loginFieldStrategies = []fieldStrategy{
	{`input[name="login"]`, "name=login"},
	{`input#passp-field-login`, "id=passp-field-login"},
	{`input[type="email"]`, "type=email"},
	{`input[type="text"]`, "type=text"},
	{`input[type="tel"]`, "type=tel"},
	{`input[autocomplete="username"]`, "autocomplete=username"},
	{`input[placeholder*="phone" i]`, "placeholder~=phone"},
}

var passwordFieldStrategies = []fieldStrategy{
	{`input[name="passwd"]`, "name=passwd"},
	{`input#passp-field-passwd`, "id=passp-field-passwd"},
	{`input[type="password"]`, "type=password"},
}

var otpFieldStrategies = []fieldStrategy{
	{`input[data-testid="code-field-segment"]`, "segmented code field"},
	{`input[name="code"]`, "name=code"},
	{`input[type="tel"]`, "type=tel"},
	{`input#passp-field-phoneCode`, "id=passp-field-phoneCode"},
	{`input[autocomplete="one-time-code"]`, "autocomplete=one-time-code"},
}

// Fixed controls the flow interacts with outside the ranked probes.
const (
	selChallengeButton   = `#js-button, .CheckboxCaptcha-Button`
	selChallengeCheckbox = `.CheckboxCaptcha-Checkbox`
	selMoreOptionsButton = `button[data-testid="split-add-user-more-button"]`
	selLoginMethodMenu   = `button[data-testid="auth-via-login"], li[data-testid="auth-via-login"]`
	selEmailToggle       = `input[type="radio"][value="EMAIL"], input[data-testid="add-user-email-option"]`
	selPhoneToggle       = `input[type="radio"][value="PHONE"], input[data-testid="add-user-phone-option"]`
	selForcePassword     = `button[data-testid="password-btn"]`
	selPhoneConfirmNext  = `button[data-testid="challenges-phone-confirmation-next"]`
	selGenericSubmit     = `button[type="submit"], button[data-testid="submit-button"]`
	selBiometricLater    = `button[data-testid="webauthn-reg-later-button"]`
	selSMSFallback       = `button[data-testid="auth-by-sms-button"]`
	selCodeSegment       = `input[data-testid="code-field-segment"]`
)

// Markers are the page fragments the converge loop classifies outcomes by.
// They live in Options so alternate portals can override them.
type Markers struct {
	// ChallengeContent fragments flag the anti-automation interstitial.
	ChallengeContent []string
	// ChallengeTitle fragments are matched against the lowercased title.
	ChallengeTitle []string
	// ChallengeClearedURL marks the login form having replaced the widget.
	ChallengeClearedURL string
	// BadCredentials fragments flag a rejected password.
	BadCredentials []string
	// SuccessURL / SuccessTitle mark the authenticated portal.
	SuccessURL   []string
	SuccessTitle []string
	// ProfileURL marks the generic account page that sometimes appears
	// instead of the portal redirect; ProfileURLExclude guards against the
	// login flow's own URLs matching it.
	ProfileURL        string
	ProfileURLExclude string
	// PhoneConfirmationURL marks the interstitial asking to confirm a
	// number on file.
	PhoneConfirmationURL string
	// BiometricPromo fragments flag the passkey enrollment promo.
	BiometricPromo []string
	// SMSHint fragments suggest a code path is available when the
	// password was rejected.
	SMSHint []string
}

// DefaultMarkers returns the marker set for the supported portal family.
func DefaultMarkers() Markers {
	return Markers{
		ChallengeContent:     []string{"SmartCaptcha", "checkbox-captcha"},
		ChallengeTitle:       []string{"robot"},
		ChallengeClearedURL:  "passport",
		BadCredentials:       []string{"Incorrect password", "Неверный пароль"},
		SuccessURL:           []string{"partners-app"},
		SuccessTitle:         []string{"partner"},
		ProfileURL:           "id.",
		ProfileURLExclude:    "auth",
		PhoneConfirmationURL: "challenges/phone-confirmation",
		BiometricPromo:       []string{"WebauthnRegStart", "Want to log in with face or fingerprint?"},
		SMSHint:              []string{"sms", "SMS", "код"},
	}
}

func containsAny(haystack string, fragments []string) bool {
	for _, f := range fragments {
		if f != "" && strings.Contains(haystack, f) {
			return true
		}
	}
	return false
}

func (m Markers) isChallenge(content, title string) bool {
	return containsAny(content, m.ChallengeContent) ||
		containsAny(strings.ToLower(title), m.ChallengeTitle)
}

func (m Markers) isBadCredentials(content string) bool {
	return containsAny(content, m.BadCredentials)
}

func (m Markers) isSuccess(url, title string) bool {
	return containsAny(url, m.SuccessURL) ||
		containsAny(strings.ToLower(title), m.SuccessTitle)
}

func (m Markers) isProfilePage(url string) bool {
	return m.ProfileURL != "" && strings.Contains(url, m.ProfileURL) &&
		(m.ProfileURLExclude == "" || !strings.Contains(url, m.ProfileURLExclude))
}

func (m Markers) isPhoneConfirmation(url string) bool {
	return m.PhoneConfirmationURL != "" && strings.Contains(url, m.PhoneConfirmationURL)
}

func (m Markers) isBiometricPromo(content string) bool {
	return containsAny(content, m.BiometricPromo)
}

// looksLikePhone reports whether an identifier is a phone number rather than
// an email or username: digits with optional +, spaces, dashes, parentheses,
// and at least five digits overall.
func looksLikePhone(identifier string) bool {
	digits := 0
	for i, r := range identifier {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return false
		}
	}
	return digits >= 5
}
