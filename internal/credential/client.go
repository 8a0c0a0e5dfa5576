package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/platevoice/platevoice/internal/menu"
	"github.com/platevoice/platevoice/pkg/realtime"
	"github.com/platevoice/platevoice/pkg/version"
)

// GrantPath is the gateway route the client posts to.
const GrantPath = "/voice/sessions"

// ErrStaleGrant is returned when the gateway hands out a credential that is
// already expired by the time the client receives it. Usually a clock-skew
// problem between gateway and client.
var ErrStaleGrant = errors.New("credential: grant already expired on receipt")

// Client fetches session grants from a PlateVoice gateway. It implements
// the session engine's credential source, so a fresh credential is minted
// on every dial, including redials.
type Client struct {
	baseURL string
	httpc   *http.Client
	now     func() time.Time
}

// ClientOption is a functional option for [NewClient].
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpc = hc
	}
}

// NewClient constructs a Client talking to the gateway at baseURL, e.g.
// "https://voice.example.com".
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("credential: baseURL must not be empty")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// errorBody is the gateway's JSON error envelope.
type errorBody struct {
	Error string `json:"error"`
}

// Issue requests a fresh grant for the restaurant and serving context.
func (c *Client) Issue(ctx context.Context, restaurantID, servingContext string) (realtime.Credential, menu.Snapshot, error) {
	payload, err := json.Marshal(GrantRequest{
		RestaurantID: restaurantID,
		Context:      servingContext,
	})
	if err != nil {
		return realtime.Credential{}, menu.Snapshot{}, fmt.Errorf("credential: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+GrantPath, bytes.NewReader(payload))
	if err != nil {
		return realtime.Credential{}, menu.Snapshot{}, fmt.Errorf("credential: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "platevoice/"+version.Version)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return realtime.Credential{}, menu.Snapshot{}, fmt.Errorf("credential: request grant: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return realtime.Credential{}, menu.Snapshot{}, fmt.Errorf("credential: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var eb errorBody
		if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
			return realtime.Credential{}, menu.Snapshot{}, fmt.Errorf("credential: gateway returned %d: %s", resp.StatusCode, eb.Error)
		}
		return realtime.Credential{}, menu.Snapshot{}, fmt.Errorf("credential: gateway returned %d", resp.StatusCode)
	}

	var grant Grant
	if err := json.Unmarshal(body, &grant); err != nil {
		return realtime.Credential{}, menu.Snapshot{}, fmt.Errorf("credential: decode grant: %w", err)
	}
	if grant.Credential.Token == "" {
		return realtime.Credential{}, menu.Snapshot{}, fmt.Errorf("credential: grant carried no token")
	}

	cred := grant.Credential.realtimeCredential()
	if cred.Expired(c.now()) {
		return realtime.Credential{}, menu.Snapshot{}, ErrStaleGrant
	}
	if err := grant.Menu.Validate(); err != nil {
		return realtime.Credential{}, menu.Snapshot{}, fmt.Errorf("credential: grant menu: %w", err)
	}
	return cred, grant.Menu, nil
}
