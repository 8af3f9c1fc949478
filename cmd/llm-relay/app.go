package main

import (
	"context"
	"fmt"
	"os"

	"github.com/laomeifun/llm-relay/pkg/config"
	"github.com/laomeifun/llm-relay/pkg/host"
	"github.com/laomeifun/llm-relay/pkg/oauth"
	"github.com/laomeifun/llm-relay/pkg/store"
	"github.com/laomeifun/llm-relay/pkg/types"
)

// qwenStorageKey keeps the Qwen pool separate from the Antigravity one
// in the shared storage file.
const qwenStorageKey = store.DefaultStorageKey + ".qwen"

// app bundles the wiring every command needs: config, secret store,
// OAuth drivers and the two per-vendor account stores.
type app struct {
	cfg     *config.Config
	secrets *host.FileSecretStore
	google  *oauth.GoogleDriver
	qwen    *oauth.QwenDriver

	agStore   *store.TokenStore
	qwenStore *store.TokenStore
}

func newApp(ctx context.Context) (*app, error) {
	cfgPath, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	storePath, err := dataPath()
	if err != nil {
		return nil, err
	}
	secrets := host.NewFileSecretStore(storePath)

	google := oauth.NewGoogleDriver(nil, cfg.OAuth.CallbackPort, cfg.Endpoints.Antigravity, nil)
	qwen := oauth.NewQwenDriver(nil, nil)

	a := &app{
		cfg:     cfg,
		secrets: secrets,
		google:  google,
		qwen:    qwen,
	}
	a.agStore = store.New(secrets, store.DefaultStorageKey, func(ctx context.Context, acct *types.Account) (*oauth.Tokens, error) {
		return google.Refresh(ctx, acct.RefreshToken)
	}, nil)
	a.qwenStore = store.New(secrets, qwenStorageKey, func(ctx context.Context, acct *types.Account) (*oauth.Tokens, error) {
		return qwen.Refresh(ctx, acct.RefreshToken)
	}, nil)
	a.agStore.SetNotifier(terminalNotifier{})
	a.qwenStore.SetNotifier(terminalNotifier{})

	if err := a.agStore.Initialize(ctx); err != nil {
		return nil, err
	}
	if err := a.qwenStore.Initialize(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// terminalNotifier surfaces account events on stderr so they are not
// mistaken for command output.
type terminalNotifier struct{}

func (terminalNotifier) Notify(message string) {
	fmt.Fprintln(os.Stderr, message)
}
