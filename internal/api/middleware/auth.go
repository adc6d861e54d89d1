// auth.go — JWT-аутентификация команд узла (RS256, ключи из JWKS).
// Права задаются scopes: archive:write, archive:subscriptions, archive:admin.
package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/arturkryukov/artsore/archive-node/internal/api/errors"
)

// Scopes команд архивного узла.
const (
	// ScopeArchive — приём, выдача и пометка discarded
	ScopeArchive = "archive:write"
	// ScopeSubscriptions — подписки и доставка
	ScopeSubscriptions = "archive:subscriptions"
	// ScopeAdmin — все команды
	ScopeAdmin = "archive:admin"
)

type principalKey struct{}

// Principal — вызывающая сторона, установленная по токену.
type Principal struct {
	Subject string
	// ClientID — клиент, получивший токен (claim azp)
	ClientID string
	Scopes   []string
}

// HasAnyScope сообщает, разрешена ли команда с одним из scopes.
func (p *Principal) HasAnyScope(scopes ...string) bool {
	if p == nil {
		return false
	}
	for _, s := range p.Scopes {
		if s == ScopeAdmin || slices.Contains(scopes, s) {
			return true
		}
	}
	return false
}

// tokenClaims — claims токена. Scopes приходят строкой "scope" (Keycloak)
// или массивом "scopes".
type tokenClaims struct {
	jwt.RegisteredClaims
	Scope           string   `json:"scope,omitempty"`
	ScopeList       []string `json:"scopes,omitempty"`
	AuthorizedParty string   `json:"azp,omitempty"`
}

func (c *tokenClaims) principal() *Principal {
	p := &Principal{Subject: c.Subject, ClientID: c.AuthorizedParty}
	p.Scopes = append(p.Scopes, strings.Fields(c.Scope)...)
	for _, s := range c.ScopeList {
		if !slices.Contains(p.Scopes, s) {
			p.Scopes = append(p.Scopes, s)
		}
	}
	return p
}

// JWTAuthConfig — параметры JWT-аутентификации.
type JWTAuthConfig struct {
	JWKSURL string
	// CACertPath — дополнительный CA для JWKS endpoint
	CACertPath    string
	TLSSkipVerify bool
	ClientTimeout time.Duration
	// RefreshInterval — период обновления ключей
	RefreshInterval time.Duration
	JWTLeeway       time.Duration
	// Issuer, Audience — проверяются, если заданы
	Issuer   string
	Audience string
}

// JWTAuth — проверка Bearer-токенов.
type JWTAuth struct {
	jwks    keyfunc.Keyfunc
	parser  *jwt.Parser
	logger  *slog.Logger
	stopJWK context.CancelFunc
}

// NewJWTAuth создаёт проверку токенов с ключами из JWKS endpoint.
// Ключи обновляются в фоне до вызова Close.
func NewJWTAuth(cfg JWTAuthConfig, logger *slog.Logger) (*JWTAuth, error) {
	client, err := jwksClient(cfg)
	if err != nil {
		return nil, err
	}

	// Старт не требует доступного JWKS: узел и IdP могут подниматься одновременно.
	ctx, cancel := context.WithCancel(context.Background())
	storage, err := jwkset.NewStorageFromHTTP(cfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    client,
		Ctx:                       ctx,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           cfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("url", cfg.JWKSURL),
				slog.String("error", err.Error()),
			)
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	kf, err := keyfunc.New(keyfunc.Options{Ctx: ctx, Storage: storage})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	auth := newJWTAuth(kf, cfg, logger)
	auth.stopJWK = cancel
	auth.logger.Info("JWT-аутентификация включена",
		slog.String("jwks_url", cfg.JWKSURL),
		slog.Duration("refresh", cfg.RefreshInterval),
	)
	return auth, nil
}

// NewJWTAuthWithKeyfunc создаёт проверку токенов с готовой keyfunc (тесты, статический JWKS).
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, leeway time.Duration, logger *slog.Logger) *JWTAuth {
	return newJWTAuth(kf, JWTAuthConfig{JWTLeeway: leeway}, logger)
}

func newJWTAuth(kf keyfunc.Keyfunc, cfg JWTAuthConfig, logger *slog.Logger) *JWTAuth {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.JWTLeeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &JWTAuth{
		jwks:   kf,
		parser: jwt.NewParser(opts...),
		logger: logger.With(slog.String("component", "jwt_auth")),
	}
}

func jwksClient(cfg JWTAuthConfig) (*http.Client, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLSSkipVerify, //nolint:gosec // AN_TLS_SKIP_VERIFY
	}
	if cfg.CACertPath != "" {
		pem, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата %s: %w", cfg.CACertPath, err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA-сертификат %s не содержит PEM-блоков", cfg.CACertPath)
		}
		tlsConfig.RootCAs = pool
	}
	return &http.Client{
		Timeout:   cfg.ClientTimeout,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}, nil
}

var (
	errNoAuthorization = errors.New("отсутствует заголовок Authorization")
	errNotBearer       = errors.New("неверный формат Authorization: ожидается Bearer <token>")
)

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errNoAuthorization
	}
	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", errNotBearer
	}
	return token, nil
}

// Middleware проверяет подпись, срок действия и sub токена и кладёт
// Principal в контекст запроса.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err != nil {
				apierrors.Unauthorized(w, err.Error())
				return
			}

			claims := &tokenClaims{}
			if _, err := j.parser.ParseWithClaims(raw, claims, j.jwks.KeyfuncCtx(r.Context())); err != nil {
				j.logger.Debug("Токен отклонён",
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}
			if claims.Subject == "" {
				apierrors.Unauthorized(w, "Отсутствует sub в токене")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), claims.principal())))
		})
	}
}

// RequireScope пропускает запрос, если у вызывающего есть один из scopes
// (ScopeAdmin разрешает всё). Ставится после JWTAuth.Middleware.
func RequireScope(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromContext(r.Context())
			if p == nil {
				apierrors.Forbidden(w, "Запрос не аутентифицирован")
				return
			}
			if !p.HasAnyScope(scopes...) {
				apierrors.Forbidden(w, "Недостаточно прав: требуется scope "+strings.Join(scopes, " или "))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PrincipalFromContext возвращает вызывающего или nil без аутентификации.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// SubjectFromContext — sub вызывающего; пусто без аутентификации.
func SubjectFromContext(ctx context.Context) string {
	if p := PrincipalFromContext(ctx); p != nil {
		return p.Subject
	}
	return ""
}

// WithPrincipal кладёт вызывающего в контекст.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// Close останавливает фоновое обновление JWKS.
func (j *JWTAuth) Close() {
	if j.stopJWK != nil {
		j.stopJWK()
	}
}
