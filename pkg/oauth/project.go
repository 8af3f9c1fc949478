package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/laomeifun/llm-relay/pkg/translate/antigravity"
)

// DefaultProjectID is used when project discovery fails entirely. The
// backend accepts it for accounts without an own Cloud project.
const DefaultProjectID = "rising-fact-p41fc"

const onboardPollInterval = 2 * time.Second
const onboardPollAttempts = 5

type clientMetadata struct {
	IDEType    string `json:"ideType"`
	Platform   string `json:"platform"`
	PluginType string `json:"pluginType"`
}

func defaultClientMetadata() clientMetadata {
	return clientMetadata{
		IDEType:    "IDE_UNSPECIFIED",
		Platform:   "PLATFORM_UNSPECIFIED",
		PluginType: "GEMINI",
	}
}

type loadCodeAssistResponse struct {
	CurrentTier             *userTier  `json:"currentTier"`
	CloudaicompanionProject string     `json:"cloudaicompanionProject"`
	AllowedTiers            []userTier `json:"allowedTiers"`
}

type userTier struct {
	ID        string `json:"id"`
	IsDefault bool   `json:"isDefault"`
}

type onboardOperation struct {
	Done     bool `json:"done"`
	Response *struct {
		CloudaicompanionProject struct {
			ID string `json:"id"`
		} `json:"cloudaicompanionProject"`
	} `json:"response"`
}

// DiscoverProjectID resolves the Cloud project for a freshly
// authenticated account. It asks each configured endpoint in turn for
// the user's existing project, onboards the user onto the default tier
// when there is none, and falls back to the documented default id when
// nothing succeeds. Discovery never fails hard; the worst case is the
// default project.
func (d *GoogleDriver) DiscoverProjectID(ctx context.Context, accessToken string) string {
	for _, endpoint := range d.endpoints {
		loadRes, err := d.loadCodeAssist(ctx, endpoint, accessToken)
		if err != nil {
			d.logger.Printf("oauth: loadCodeAssist on %s failed: %v", endpoint, err)
			continue
		}

		if loadRes.CurrentTier != nil && loadRes.CloudaicompanionProject != "" {
			return loadRes.CloudaicompanionProject
		}

		if id, err := d.onboardUser(ctx, endpoint, accessToken, onboardTierID(loadRes)); err != nil {
			d.logger.Printf("oauth: onboardUser on %s failed: %v", endpoint, err)
		} else if id != "" {
			return id
		}
	}
	return DefaultProjectID
}

// loadCodeAssist fetches the user's current tier and project.
func (d *GoogleDriver) loadCodeAssist(ctx context.Context, endpoint, accessToken string) (*loadCodeAssistResponse, error) {
	body := map[string]any{"metadata": defaultClientMetadata()}

	var loadRes loadCodeAssistResponse
	if err := d.postInternal(ctx, endpoint+"/v1internal:loadCodeAssist", accessToken, body, &loadRes); err != nil {
		return nil, err
	}
	return &loadRes, nil
}

// onboardUser starts the onboarding long-running operation and polls
// it until done or the attempt budget runs out.
func (d *GoogleDriver) onboardUser(ctx context.Context, endpoint, accessToken, tierID string) (string, error) {
	body := map[string]any{
		"tierId":   tierID,
		"metadata": defaultClientMetadata(),
	}

	for attempt := 0; attempt < onboardPollAttempts; attempt++ {
		var op onboardOperation
		if err := d.postInternal(ctx, endpoint+"/v1internal:onboardUser", accessToken, body, &op); err != nil {
			return "", err
		}
		if op.Done {
			if op.Response != nil {
				return op.Response.CloudaicompanionProject.ID, nil
			}
			return "", nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(onboardPollInterval):
		}
	}
	return "", fmt.Errorf("onboarding did not complete after %d polls", onboardPollAttempts)
}

// postInternal sends one authenticated JSON request to a v1internal
// route and decodes the response into out.
func (d *GoogleDriver) postInternal(ctx context.Context, url, accessToken string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	antigravity.ApplyHeaders(req.Header, antigravity.StyleAntigravity)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, string(data))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// onboardTierID picks the default tier advertised by loadCodeAssist,
// falling back to the free tier.
func onboardTierID(res *loadCodeAssistResponse) string {
	for _, tier := range res.AllowedTiers {
		if tier.IsDefault {
			return tier.ID
		}
	}
	return "free-tier"
}
