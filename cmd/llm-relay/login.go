package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/laomeifun/llm-relay/pkg/host"
	"github.com/laomeifun/llm-relay/pkg/oauth"
	"github.com/laomeifun/llm-relay/pkg/store"
	"github.com/laomeifun/llm-relay/pkg/types"
)

func newLoginCmd() *cobra.Command {
	var useQwen bool
	var projectID string

	cmd := &cobra.Command{
		Use:     "login",
		Aliases: []string{"add-account"},
		Short:   "Add an account through the vendor's OAuth flow",
		Long: `Add an account to the gateway's pool.

The default flow authorizes a Google account for the Antigravity
backend: the command prints an authorization URL, you approve in the
browser and paste the redirect URL (or the bare code) back. With
--qwen the RFC 8628 device flow is used instead: open the printed
verification URL, enter the code, and the command polls until the
grant completes.

Running login again for an existing account refreshes its tokens and
re-enables it if it was disabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			if useQwen {
				return loginQwen(ctx, a)
			}
			return loginGoogle(ctx, a, projectID)
		},
	}

	cmd.Flags().BoolVar(&useQwen, "qwen", false, "authorize a Qwen account via the device flow")
	cmd.Flags().StringVar(&projectID, "project", "", "Google Cloud project id (discovered automatically when omitted)")
	return cmd
}

// beginGoogleLogin resumes an authorization-code flow a previous
// process left pending, or starts a fresh one and persists its state
// so a crash before the paste-back loses nothing.
func beginGoogleLogin(ctx context.Context, st *store.TokenStore, d *oauth.GoogleDriver, projectID string) (*oauth.AuthCodeRequest, bool, error) {
	p, err := st.TakePending(ctx)
	if err != nil {
		return nil, false, err
	}
	if p != nil && p.State != "" {
		// Keep it pending until the exchange completes.
		if err := st.SavePending(ctx, p); err != nil {
			return nil, false, err
		}
		return &oauth.AuthCodeRequest{Verifier: p.Verifier, State: p.State}, true, nil
	}

	req, err := d.StartAuthorizationCodeFlow(projectID)
	if err != nil {
		return nil, false, err
	}
	if err := st.SavePending(ctx, &store.PendingOAuth{Verifier: req.Verifier, State: req.State}); err != nil {
		return nil, false, err
	}
	return req, false, nil
}

func loginGoogle(ctx context.Context, a *app, projectID string) error {
	req, resumed, err := beginGoogleLogin(ctx, a.agStore, a.google, projectID)
	if err != nil {
		return err
	}

	if resumed {
		fmt.Println("Resuming the login started earlier; approve access in the browser page already open.")
	} else {
		if err := (host.ExecBrowserOpener{}).Open(req.AuthorizationURL); err == nil {
			fmt.Println("Your browser has been opened to authorize access. If it did not, open:")
		} else {
			fmt.Println("Open this URL in your browser and approve access:")
		}
		fmt.Println()
		fmt.Println("  " + req.AuthorizationURL)
	}
	fmt.Println()
	fmt.Print("Paste the redirect URL (or the authorization code): ")

	input, err := readLine()
	if err != nil {
		return err
	}
	code, state := parseCallbackInput(input, req.State)

	tokens, err := a.google.ExchangeCode(ctx, code, state)
	if err != nil {
		return err
	}

	acct, err := a.agStore.AddAccount(ctx, tokens)
	if err != nil {
		return err
	}
	_ = a.agStore.ClearPending(ctx)
	fmt.Printf("Added account %s (project %s)\n", acct.Identifier(), acct.ProjectID)
	return nil
}

// beginQwenLogin resumes a pending device authorization or starts a
// fresh one. A resumed authorization has no verification URI; the user
// already saw it before the restart, so polling picks up where the
// previous process stopped.
func beginQwenLogin(ctx context.Context, st *store.TokenStore, d *oauth.QwenDriver) (*oauth.DeviceAuthorization, bool, error) {
	p, err := st.TakePending(ctx)
	if err != nil {
		return nil, false, err
	}
	if p != nil && p.DeviceCode != "" {
		if err := st.SavePending(ctx, p); err != nil {
			return nil, false, err
		}
		return &oauth.DeviceAuthorization{DeviceCode: p.DeviceCode, Verifier: p.Verifier}, true, nil
	}

	auth, err := d.StartDeviceFlow(ctx)
	if err != nil {
		return nil, false, err
	}
	if err := st.SavePending(ctx, &store.PendingOAuth{DeviceCode: auth.DeviceCode, Verifier: auth.Verifier}); err != nil {
		return nil, false, err
	}
	return auth, false, nil
}

func loginQwen(ctx context.Context, a *app) error {
	auth, resumed, err := beginQwenLogin(ctx, a.qwenStore, a.qwen)
	if err != nil {
		return err
	}

	if resumed {
		fmt.Println("Resuming the device authorization started earlier.")
	} else if auth.VerificationURIComplete != "" {
		if err := (host.ExecBrowserOpener{}).Open(auth.VerificationURIComplete); err == nil {
			fmt.Println("Your browser has been opened to approve access. If it did not, open:")
		} else {
			fmt.Println("Open this URL in your browser to approve access:")
		}
		fmt.Println()
		fmt.Println("  " + auth.VerificationURIComplete)
	} else {
		fmt.Printf("Open %s and enter the code %s\n", auth.VerificationURI, auth.UserCode)
	}
	fmt.Println()
	fmt.Println("Waiting for approval...")

	tokens, err := a.qwen.PollToken(ctx, auth)
	if err != nil {
		var ge *types.GatewayError
		if errors.As(err, &ge) &&
			(ge.Code == types.ErrCodeDeviceCodeExpired || ge.Code == types.ErrCodeAccessDenied) {
			// A dead device code is not worth resuming.
			_ = a.qwenStore.ClearPending(ctx)
		}
		return err
	}

	acct, err := a.qwenStore.AddAccount(ctx, tokens)
	if err != nil {
		return err
	}
	_ = a.qwenStore.ClearPending(ctx)
	fmt.Printf("Added account %s\n", acct.Identifier())
	return nil
}

// parseCallbackInput accepts either the full redirect URL or a bare
// authorization code. The state from the URL wins when present, so a
// login started in another terminal still completes.
func parseCallbackInput(input, fallbackState string) (code, state string) {
	input = strings.TrimSpace(input)
	if u, err := url.Parse(input); err == nil && u.Query().Get("code") != "" {
		code = u.Query().Get("code")
		state = u.Query().Get("state")
		if state == "" {
			state = fallbackState
		}
		return code, state
	}
	return input, fallbackState
}

func readLine() (string, error) {
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
