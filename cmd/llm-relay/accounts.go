package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/laomeifun/llm-relay/pkg/relay"
	"github.com/laomeifun/llm-relay/pkg/store"
	"github.com/laomeifun/llm-relay/pkg/types"
)

func newAccountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List all configured accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			printPool("Antigravity", a.agStore)
			printPool("Qwen", a.qwenStore)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show a summary of the account pools",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			printSummary("Antigravity", a.agStore)
			printSummary("Qwen", a.qwenStore)
			return nil
		},
	}
}

func newRemoveAccountCmd() *cobra.Command {
	var useQwen bool

	cmd := &cobra.Command{
		Use:   "remove-account <index>",
		Short: "Remove the account at the given index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("index must be a number, got %q", args[0])
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			vendor := types.VendorAntigravity
			if useQwen {
				vendor = types.VendorQwen
			}
			rel := relay.New(a.agStore, a.qwenStore, a.cfg, nil, nil)
			removed, err := rel.RemoveAccount(cmd.Context(), vendor, index)
			if err != nil {
				return err
			}
			fmt.Printf("Removed account %s\n", removed.Identifier())
			return nil
		},
	}

	cmd.Flags().BoolVar(&useQwen, "qwen", false, "remove from the Qwen pool instead of the Antigravity one")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove all accounts and stored tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			for _, key := range []string{store.DefaultStorageKey, qwenStorageKey} {
				if err := a.secrets.Delete(ctx, key); err != nil {
					return err
				}
				if err := a.secrets.Delete(ctx, key+".pending"); err != nil {
					return err
				}
			}
			fmt.Println("All accounts removed.")
			return nil
		},
	}
}

func printPool(name string, st *store.TokenStore) {
	accounts := st.Accounts()
	fmt.Printf("%s accounts (%d):\n", name, len(accounts))
	if len(accounts) == 0 {
		fmt.Println("  (none)")
		return
	}
	for _, acct := range accounts {
		line := fmt.Sprintf("  [%d] %-30s tier=%-7s", acct.Index, acct.Identifier(), acct.Tier)
		if acct.ProjectID != "" {
			line += " project=" + acct.ProjectID
		}
		if acct.Disabled {
			line += " DISABLED (" + acct.DisabledReason + ")"
		}
		fmt.Println(line)
	}
}

func printSummary(name string, st *store.TokenStore) {
	accounts := st.Accounts()
	now := time.Now()

	var usable, expired, disabled int
	for _, acct := range accounts {
		switch {
		case acct.Disabled:
			disabled++
		case acct.TokenExpired(now):
			expired++
		default:
			usable++
		}
	}
	fmt.Printf("%s: %d accounts (%d with a fresh token, %d needing refresh, %d disabled)\n",
		name, len(accounts), usable, expired, disabled)

	for _, acct := range accounts {
		if acct.Disabled || acct.LastUsedAt == 0 {
			continue
		}
		fmt.Printf("  %s last used %s\n", acct.Identifier(), formatLastUsed(acct, now))
	}
}

func formatLastUsed(acct *types.Account, now time.Time) string {
	used := time.UnixMilli(acct.LastUsedAt)
	d := now.Sub(used).Round(time.Second)
	if d < time.Minute {
		return "just now"
	}
	return d.String() + " ago"
}
