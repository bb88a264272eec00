package tracking

// Response codes sent back to terminals. The vocabulary is fixed: terminal
// firmware matches on these strings.
const (
	// CodeLow is the firmware handshake signal preceding LOGIN_SUCCESS, and
	// the loginstatus reply meaning "operator present".
	CodeLow = "LOW"
	// CodeHigh is the loginstatus reply meaning "no operator".
	CodeHigh = "HIGH"

	CodeLoginSuccess  = "LOGIN_SUCCESS"
	CodeLoginExists   = "LOGIN_EXISTS"
	CodeLoginRequired = "LOGIN_REQUIRED"

	CodeBundleStarted    = "BUNDLE_STARTED"
	CodeBundleEnded      = "BUNDLE_ENDED"
	CodeBundleCompleted  = "BUNDLE_COMPLETED"
	CodePrevBundleActive = "PREV_BUNDLE_ACTIVE"

	CodeUnauthorized = "UNAUTHORIZED_CARD"
	CodeSystemError  = "SYSTEM_ERROR"
	CodeNoOperator   = "NO_OPERATOR"
)

// CodeBundleActiveAt builds the cross-terminal conflict code carrying the
// terminal currently holding the bundle.
func CodeBundleActiveAt(terminalID string) string {
	return "BUNDLE_ACTIVE_AT_" + terminalID
}
