// Package stealth holds the fingerprint-evasion script injected into every
// new document before any page script runs.
package stealth

import (
	_ "embed"
)

// EvasionsJS is applied via Page.addScriptToEvaluateOnNewDocument so it
// executes before the portal's own detection code.
//
//go:embed evasions.js
var EvasionsJS string
