package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/spaceai-agent-gate/internal/domain"
)

// TokenCodec подписывает и проверяет токены агентов.
// Поддерживает HS256 (общий секрет) и RS256 (пара ключей), но принимает только один настроенный алгоритм.
type TokenCodec struct {
	method    jwt.SigningMethod
	signKey   interface{}
	verifyKey interface{}
	issuer    string
	now       func() time.Time
}

// NewHMACCodec: подпись секретом сервера (HS256).
func NewHMACCodec(secret []byte, issuer string) (*TokenCodec, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("hmac secret is empty")
	}
	return &TokenCodec{
		method:    jwt.SigningMethodHS256,
		signKey:   secret,
		verifyKey: secret,
		issuer:    issuer,
		now:       time.Now,
	}, nil
}

// NewRSACodec: подпись закрытым ключом RS256, проверка открытым.
func NewRSACodec(privateKey *rsa.PrivateKey, publicKey *rsa.PublicKey, issuer string) (*TokenCodec, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("rsa private key is required")
	}
	if publicKey == nil {
		publicKey = &privateKey.PublicKey
	}
	return &TokenCodec{
		method:    jwt.SigningMethodRS256,
		signKey:   privateKey,
		verifyKey: publicKey,
		issuer:    issuer,
		now:       time.Now,
	}, nil
}

// WithClock подменяет часы (для тестов истечения срока).
func (c *TokenCodec) WithClock(now func() time.Time) *TokenCodec {
	c.now = now
	return c
}

func (c *TokenCodec) Now() time.Time {
	return c.now()
}

func (c *TokenCodec) Issuer() string {
	return c.issuer
}

// Sign подписывает claims настроенным алгоритмом.
func (c *TokenCodec) Sign(claims *domain.AgentClaims) (string, error) {
	token := jwt.NewWithClaims(c.method, claims)
	signed, err := token.SignedString(c.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken проверяет подпись и срок действия.
// Истекший токен возвращает domain.ErrTokenExpired, всё остальное: domain.ErrInvalidCredential.
func (c *TokenCodec) VerifyToken(tokenStr string) (*domain.AgentClaims, error) {
	return c.parse(tokenStr, true)
}

// VerifySignature проверяет только подпись (срок игнорируется). Нужен для отзыва уже истекших токенов.
func (c *TokenCodec) VerifySignature(tokenStr string) (*domain.AgentClaims, error) {
	return c.parse(tokenStr, false)
}

func (c *TokenCodec) parse(tokenStr string, checkExpiry bool) (*domain.AgentClaims, error) {
	tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return nil, domain.ErrNoCredentials
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithTimeFunc(c.now),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	if checkExpiry {
		opts = append(opts, jwt.WithExpirationRequired())
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	claims := &domain.AgentClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return c.verifyKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", domain.ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidCredential, err)
	}
	if !token.Valid {
		return nil, domain.ErrInvalidCredential
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: token has no subject or jti", domain.ErrInvalidCredential)
	}

	return claims, nil
}

// ParseRSAPublicKey превращает []byte в объект для проверки подписи
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}

// ParseRSAPrivateKey превращает []byte в объект для подписи
func ParseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("private key data is empty")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}
