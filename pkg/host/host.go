// Package host declares the interfaces the gateway expects its host
// environment to supply: an opaque secret store, a notifier for
// user-visible messages, and a way to open external URLs. A
// file-backed secret store is provided for stand-alone CLI use.
package host

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
)

// SecretStore is an opaque key/value store for sensitive blobs. The
// host editor normally supplies one; FileSecretStore is the fallback.
type SecretStore interface {
	// Get returns the stored value and whether the key was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores or replaces the value under key.
	Set(ctx context.Context, key, value string) error
	// Delete removes the key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Notifier delivers user-visible messages outside the request path.
type Notifier interface {
	Notify(message string)
}

// URLOpener opens a URL in the user's browser during OAuth flows.
type URLOpener interface {
	Open(url string) error
}

// NopNotifier discards all messages.
type NopNotifier struct{}

func (NopNotifier) Notify(string) {}

// ExecBrowserOpener opens URLs with the platform's default handler.
// Used when no host editor supplies an opener.
type ExecBrowserOpener struct{}

func (ExecBrowserOpener) Open(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	return nil
}
