package credential

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/platevoice/platevoice/internal/menu"
	"github.com/platevoice/platevoice/internal/resilience"
	"github.com/platevoice/platevoice/internal/voice"
	"github.com/platevoice/platevoice/pkg/realtime"
)

// DefaultRealtimeModel is the realtime model credentials are minted for
// unless overridden.
const DefaultRealtimeModel = "gpt-4o-realtime-preview"

// Snapshotter loads the current menu snapshot for a restaurant. Implemented
// by the postgres menu store.
type Snapshotter interface {
	Snapshot(ctx context.Context, restaurantID string) (menu.Snapshot, error)
}

// Issuer mints ephemeral realtime credentials from the OpenAI API and pairs
// them with menu snapshots. Both upstreams sit behind circuit breakers so a
// failing provider or database rejects session starts fast instead of
// stacking up slow requests.
type Issuer struct {
	client oai.Client
	model  string
	menus  Snapshotter

	mintBreaker *resilience.CircuitBreaker
	menuBreaker *resilience.CircuitBreaker

	now func() time.Time
}

// issuerConfig holds optional configuration for an Issuer.
type issuerConfig struct {
	model   string
	baseURL string
	timeout time.Duration
}

// IssuerOption is a functional option for [NewIssuer].
type IssuerOption func(*issuerConfig)

// WithRealtimeModel overrides [DefaultRealtimeModel].
func WithRealtimeModel(model string) IssuerOption {
	return func(c *issuerConfig) {
		c.model = model
	}
}

// WithAPIBaseURL overrides the default OpenAI API base URL.
func WithAPIBaseURL(url string) IssuerOption {
	return func(c *issuerConfig) {
		c.baseURL = url
	}
}

// WithMintTimeout sets a per-request HTTP timeout on the mint call.
func WithMintTimeout(d time.Duration) IssuerOption {
	return func(c *issuerConfig) {
		c.timeout = d
	}
}

// NewIssuer constructs an Issuer backed by the OpenAI API and the given
// menu store.
func NewIssuer(apiKey string, menus Snapshotter, opts ...IssuerOption) (*Issuer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("credential: apiKey must not be empty")
	}
	if menus == nil {
		return nil, fmt.Errorf("credential: menu snapshotter must not be nil")
	}

	cfg := &issuerConfig{model: DefaultRealtimeModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Issuer{
		client: oai.NewClient(reqOpts...),
		model:  cfg.model,
		menus:  menus,
		mintBreaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "credential-mint",
		}),
		menuBreaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "menu-store",
		}),
		now: time.Now,
	}, nil
}

// mintResponse is the subset of the realtime session creation response the
// issuer cares about.
type mintResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// Issue mints a fresh ephemeral credential and loads the restaurant's menu
// snapshot. It implements the session engine's credential source.
func (i *Issuer) Issue(ctx context.Context, restaurantID, servingContext string) (realtime.Credential, menu.Snapshot, error) {
	if restaurantID == "" {
		return realtime.Credential{}, menu.Snapshot{}, fmt.Errorf("credential: restaurantID must not be empty")
	}
	if !voice.ServingContext(servingContext).IsValid() {
		return realtime.Credential{}, menu.Snapshot{}, fmt.Errorf("credential: %w: %q", voice.ErrInvalidContext, servingContext)
	}

	var snap menu.Snapshot
	err := i.menuBreaker.Execute(func() error {
		var err error
		snap, err = i.menus.Snapshot(ctx, restaurantID)
		return err
	})
	if err != nil {
		return realtime.Credential{}, menu.Snapshot{}, fmt.Errorf("credential: load menu: %w", err)
	}

	var resp mintResponse
	err = i.mintBreaker.Execute(func() error {
		body := map[string]any{
			"model": i.model,
		}
		return i.client.Post(ctx, "realtime/sessions", body, &resp)
	})
	if err != nil {
		return realtime.Credential{}, menu.Snapshot{}, fmt.Errorf("credential: mint: %w", err)
	}
	if resp.ClientSecret.Value == "" {
		return realtime.Credential{}, menu.Snapshot{}, fmt.Errorf("credential: mint: response carried no client secret")
	}

	expires := i.now().Add(GrantTTL)
	if t := time.Unix(resp.ClientSecret.ExpiresAt, 0); resp.ClientSecret.ExpiresAt > 0 && t.Before(expires) {
		expires = t
	}

	return realtime.Credential{
		Token:     resp.ClientSecret.Value,
		Model:     i.model,
		ExpiresAt: expires,
	}, snap, nil
}

var _ voice.CredentialSource = (*Issuer)(nil)
