package nodes

import (
	"fmt"
	"net/http"
)

// ProviderError is a failed call to a third-party service. Permanent errors
// are not retried.
type ProviderError struct {
	Provider  string
	Status    int
	Msg       string
	Permanent bool
}

func (e *ProviderError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Msg)
	}
	if e.Msg == "" {
		return fmt.Sprintf("%s: status %d %s", e.Provider, e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Msg)
}

func (e *ProviderError) NonRetriable() bool { return e.Permanent }

// statusError classifies an HTTP status: client errors are permanent except
// timeouts and rate limits.
func statusError(provider string, status int, msg string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Status:    status,
		Msg:       msg,
		Permanent: isPermanentStatus(status),
	}
}

func isPermanentStatus(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
