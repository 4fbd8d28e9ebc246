package httpapi

import "strings"

// maxBodyBytes controls the maximum allowed request body size for JSON endpoints.
// Images travel base64-encoded in the body, so the default is generous.
var maxBodyBytes int64 = 32 << 20

// SetMaxBodyBytes allows configuring the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 32 << 20
		return
	}
	maxBodyBytes = n
}

// chatTimeout bounds a /chat or /chat/stream request. Zero means no
// additional timeout beyond server/connection timeouts.
var chatTimeout = int64(0) // seconds

// SetChatTimeoutSeconds sets the chat timeout in seconds (0 disables).
func SetChatTimeoutSeconds(sec int64) {
	if sec < 0 {
		sec = 0
	}
	chatTimeout = sec
}

// defaultModel is preferred when a request names no model.
var defaultModel string

// SetDefaultModel sets the model used when a request omits one.
func SetDefaultModel(name string) { defaultModel = strings.TrimSpace(name) }

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server. Empty method
// and header lists fall back to what the API uses.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
	if len(corsAllowedMethods) == 0 {
		corsAllowedMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	}
	if len(corsAllowedHeaders) == 0 {
		corsAllowedHeaders = []string{"Accept", "Content-Type", "X-Request-Id", "X-Log-Level"}
	}
}
