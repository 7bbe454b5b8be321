package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// ActorHeader — заголовок identity в dev режиме.
const ActorHeader = "X-Conveyor-Actor"

// Ошибки аутентификации.
var (
	// ErrUnauthenticated — запрос без identity.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Authenticator определяет actor запроса.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// DevAuthenticator доверяет заголовку X-Conveyor-Actor (локальный запуск, тесты).
type DevAuthenticator struct{}

// Authenticate реализует Authenticator.
func (DevAuthenticator) Authenticate(r *http.Request) (string, error) {
	actor := strings.TrimSpace(r.Header.Get(ActorHeader))
	if actor == "" {
		return "", fmt.Errorf("%w: missing %s header", ErrUnauthenticated, ActorHeader)
	}
	return actor, nil
}

// OIDCAuthenticator проверяет bearer ID token у OIDC провайдера
// (например, Cognito user pool из Resource Declaration).
type OIDCAuthenticator struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCAuthenticator загружает discovery документ issuer'а.
func NewOIDCAuthenticator(ctx context.Context, issuerURL, clientID string) (*OIDCAuthenticator, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider %s: %w", issuerURL, err)
	}
	return &OIDCAuthenticator{
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
	}, nil
}

// NewOIDCAuthenticatorWithVerifier создаёт OIDCAuthenticator с готовым verifier.
func NewOIDCAuthenticatorWithVerifier(verifier *oidc.IDTokenVerifier) *OIDCAuthenticator {
	return &OIDCAuthenticator{verifier: verifier}
}

// Authenticate реализует Authenticator.
//
// Actor — email, затем preferred_username / cognito:username, затем subject.
func (a *OIDCAuthenticator) Authenticate(r *http.Request) (string, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}

	token, err := a.verifier.Verify(r.Context(), raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	var claims struct {
		Email             string `json:"email"`
		PreferredUsername string `json:"preferred_username"`
		CognitoUsername   string `json:"cognito:username"`
	}
	if err := token.Claims(&claims); err != nil {
		return "", fmt.Errorf("%w: claims: %w", ErrUnauthenticated, err)
	}

	for _, actor := range []string{claims.Email, claims.PreferredUsername, claims.CognitoUsername, token.Subject} {
		if actor != "" {
			return actor, nil
		}
	}
	return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
}

type actorKey struct{}

// WithActor кладёт actor в контекст.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext извлекает actor из контекста.
func ActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}
