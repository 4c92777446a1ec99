package ghapp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/hostd/internal/ghapi"
	"github.com/agentdock/hostd/internal/logging"
)

// scopedPermissions is the only permission set ever granted to a minted
// installation token: enough for an agent to comment, review, and push, never more.
var scopedPermissions = map[string]string{
	"contents":     "write",
	"pull_requests": "write",
	"issues":       "write",
	"metadata":     "read",
}

const refreshSkew = 5 * time.Minute

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// TokenManager mints and caches repo-scoped installation tokens. It is the
// only component that ever calls CreateInstallationToken; every other
// component receives an opaque Auth header, never the app's signing key.
type TokenManager struct {
	identity *Identity
	api      *ghapi.Client
	logger   *logging.Logger

	mu             sync.Mutex
	installations  map[string]int64       // "owner/repo" -> installation id
	tokens         map[string]cachedToken // "owner/repo" -> cached token
}

// NewTokenManager builds a TokenManager around an app identity and REST client.
func NewTokenManager(identity *Identity, api *ghapi.Client, log *logging.Logger) *TokenManager {
	return &TokenManager{
		identity:      identity,
		api:           api,
		logger:        log,
		installations: make(map[string]int64),
		tokens:        make(map[string]cachedToken),
	}
}

// AppSlug returns the app's handle, e.g. for filtering "<slug>[bot]" senders.
func (m *TokenManager) AppSlug() string { return m.identity.Slug }

func (m *TokenManager) appAuth() (ghapi.Auth, error) {
	jwt, err := m.identity.GenerateJWT()
	if err != nil {
		return ghapi.Auth{}, err
	}
	return ghapi.Auth{Scheme: "Bearer", Value: jwt}, nil
}

// RepoScopedToken returns a cached token for owner/repo, minting (and caching)
// a new one if none exists or the cached one is within refreshSkew of expiry.
func (m *TokenManager) RepoScopedToken(ctx context.Context, owner, repo string) (string, error) {
	key := owner + "/" + repo

	m.mu.Lock()
	if cached, ok := m.tokens[key]; ok && time.Until(cached.expiresAt) > refreshSkew {
		token := cached.token
		m.mu.Unlock()
		return token, nil
	}
	m.mu.Unlock()

	installationID, err := m.installationID(ctx, owner, repo)
	if err != nil {
		return "", err
	}

	appAuth, err := m.appAuth()
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}

	minted, err := m.api.CreateInstallationToken(ctx, appAuth, installationID, ghapi.CreateInstallationTokenRequest{
		Repositories: []string{repo},
		Permissions:  scopedPermissions,
	})
	if err != nil {
		return "", fmt.Errorf("mint installation token for %s: %w", key, err)
	}

	m.mu.Lock()
	m.tokens[key] = cachedToken{token: minted.Token, expiresAt: minted.ExpiresAt}
	m.mu.Unlock()

	m.logger.Info("minted installation token", zap.String("repo", key), zap.Time("expires_at", minted.ExpiresAt))
	return minted.Token, nil
}

// RepoAuthHeaders returns the Auth this repo's scoped token should be sent
// with — the only credential ever injected into a child container.
func (m *TokenManager) RepoAuthHeaders(ctx context.Context, owner, repo string) (ghapi.Auth, error) {
	token, err := m.RepoScopedToken(ctx, owner, repo)
	if err != nil {
		return ghapi.Auth{}, err
	}
	return ghapi.Auth{Scheme: "token", Value: token}, nil
}

func (m *TokenManager) installationID(ctx context.Context, owner, repo string) (int64, error) {
	key := owner + "/" + repo

	m.mu.Lock()
	if id, ok := m.installations[key]; ok {
		m.mu.Unlock()
		return id, nil
	}
	m.mu.Unlock()

	appAuth, err := m.appAuth()
	if err != nil {
		return 0, fmt.Errorf("sign app jwt: %w", err)
	}

	installation, err := m.api.GetRepoInstallation(ctx, appAuth, owner, repo)
	if err != nil {
		return 0, fmt.Errorf("resolve installation for %s: %w", key, err)
	}

	m.mu.Lock()
	m.installations[key] = installation.ID
	m.mu.Unlock()
	return installation.ID, nil
}
