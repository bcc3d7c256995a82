// Package idempotency keeps the bot from reacting to its own posts. Every
// successful post-back leaves a TTL marker keyed by the platform id of the
// comment or message; inbound events carrying a marked id, or authored by one
// of the bot's own accounts, are suppressed before command matching.
package idempotency

import (
	"context"
	"log/slog"
	"time"

	"github.com/alekspetrov/hookpilot/internal/logging"
	"github.com/alekspetrov/hookpilot/internal/payload"
)

// DefaultTTL is how long a posted marker lives.
const DefaultTTL = time.Hour

// Suppression reasons recorded in the audit log.
const (
	ReasonPostedMarker = "posted_marker"
	ReasonOwnAccount   = "own_account"
	ReasonBotSender    = "bot_sender"
)

// Identities lists the bot's own accounts per provider: GitHub login or app
// id, Jira account id, Slack bot user id, bot id or app id.
type Identities struct {
	GitHub []string `yaml:"github"`
	Jira   []string `yaml:"jira"`
	Slack  []string `yaml:"slack"`
}

// Config configures the guard.
type Config struct {
	TTL        time.Duration `yaml:"ttl"`
	Backend    string        `yaml:"backend"` // memory or redis
	Identities Identities    `yaml:"identities"`
}

// DefaultConfig returns an in-memory guard with a one hour TTL.
func DefaultConfig() *Config {
	return &Config{TTL: DefaultTTL, Backend: "memory"}
}

// Guard checks and records posted markers.
type Guard struct {
	store MarkerStore
	ttl   time.Duration
	own   map[payload.Provider]map[string]bool
	log   *slog.Logger
}

// NewGuard creates a guard over store.
func NewGuard(store MarkerStore, cfg *Config) *Guard {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	g := &Guard{
		store: store,
		ttl:   ttl,
		own:   make(map[payload.Provider]map[string]bool),
		log:   logging.WithComponent("idempotency"),
	}
	g.addIdentities(payload.GitHub, cfg.Identities.GitHub)
	g.addIdentities(payload.Jira, cfg.Identities.Jira)
	g.addIdentities(payload.Slack, cfg.Identities.Slack)
	return g
}

func (g *Guard) addIdentities(p payload.Provider, ids []string) {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = true
		}
	}
	g.own[p] = set
}

// Key returns the marker key for a platform id. Slack posts are messages,
// everything else is a comment.
func Key(provider payload.Provider, platformID string) string {
	if provider == payload.Slack {
		return string(provider) + ":posted_message:" + platformID
	}
	return string(provider) + ":posted_comment:" + platformID
}

// MarkPosted records that the bot posted platformID.
func (g *Guard) MarkPosted(ctx context.Context, provider payload.Provider, platformID string) error {
	if platformID == "" {
		return nil
	}
	return g.store.Set(ctx, Key(provider, platformID), g.ttl)
}

// WasPosted reports whether platformID carries a live marker. Store failures
// are logged and reported as not posted.
func (g *Guard) WasPosted(ctx context.Context, provider payload.Provider, platformID string) bool {
	if platformID == "" {
		return false
	}
	ok, err := g.store.Exists(ctx, Key(provider, platformID))
	if err != nil {
		g.log.Warn("Marker lookup failed, treating as not posted",
			slog.String("provider", string(provider)),
			slog.String("platform_id", platformID),
			slog.Any("error", err),
		)
		return false
	}
	return ok
}

// IsOwnAccount reports whether id is one of the bot's configured identities.
func (g *Guard) IsOwnAccount(provider payload.Provider, id string) bool {
	return id != "" && g.own[provider][id]
}

// Suppress decides whether an inbound event must be dropped, and why.
func (g *Guard) Suppress(ctx context.Context, ev payload.Event) (bool, string) {
	p := ev.Provider()
	if g.WasPosted(ctx, p, ev.PlatformID()) {
		return true, ReasonPostedMarker
	}
	for _, id := range ev.Identities() {
		if g.IsOwnAccount(p, id) {
			return true, ReasonOwnAccount
		}
	}
	if ev.IsBot() {
		return true, ReasonBotSender
	}
	return false, ""
}
