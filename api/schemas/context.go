package schemas

import "strings"

// ContextState is the readiness of one visual context.
type ContextState string

const (
	ContextLoading ContextState = "loading"
	ContextReady   ContextState = "ready"
	ContextClosed  ContextState = "closed"
)

// ContextInfo is what the host reports about a context when asked.
type ContextInfo struct {
	ID          string       `json:"id"`
	State       ContextState `json:"state"`
	IsLocalFile bool         `json:"isLocalFile"`
	Title       string       `json:"title"`
	URL         string       `json:"url"`
}

// privilegedSchemes cannot host an executor.
var privilegedSchemes = []string{
	"chrome://",
	"chrome-extension://",
	"chrome-search://",
	"chrome-untrusted://",
	"devtools://",
	"edge://",
	"about:",
	"view-source:",
}

// IsPrivilegedURL reports whether the address belongs to an internal browser page.
func IsPrivilegedURL(u string) bool {
	lower := strings.ToLower(strings.TrimSpace(u))
	if lower == "" {
		return true
	}
	for _, p := range privilegedSchemes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// IsLocalFileURL reports whether the address points at the local filesystem.
func IsLocalFileURL(u string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(u)), "file://")
}

// Usable reports whether automation can run inside the context.
func (c ContextInfo) Usable() bool {
	return c.State == ContextReady && !IsPrivilegedURL(c.URL)
}
