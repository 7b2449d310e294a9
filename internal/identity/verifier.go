// Package identity turns request credentials into an access.Principal.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/api/idtoken"
)

const defaultLeeway = 30 * time.Second

var ErrNoVerifier = errors.New("no token verifier configured")

// Claims is what the access core needs from an identity provider.
type Claims struct {
	UserID string
	Email  string
}

type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// HMACVerifier checks shared-secret session tokens.
type HMACVerifier struct {
	Secret    string
	Algorithm string
	Audience  string
	Issuer    string
}

func (v HMACVerifier) Verify(_ context.Context, tokenString string) (Claims, error) {
	if strings.TrimSpace(v.Secret) == "" {
		return Claims{}, ErrNoVerifier
	}
	algorithm := v.Algorithm
	if algorithm == "" {
		algorithm = jwt.SigningMethodHS256.Name
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if token.Method == nil || token.Method.Alg() != algorithm {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.Secret), nil
	}, jwt.WithLeeway(defaultLeeway))
	if err != nil {
		return Claims{}, err
	}
	if !token.Valid {
		return Claims{}, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, errors.New("invalid token payload")
	}
	if v.Audience != "" && !claimHasAudience(claims["aud"], v.Audience) {
		return Claims{}, errors.New("invalid token audience")
	}
	if v.Issuer != "" {
		issuer, _ := claims["iss"].(string)
		if issuer != v.Issuer {
			return Claims{}, errors.New("invalid token issuer")
		}
	}
	return claimsFromMap(claims)
}

// JWKSVerifier checks provider tokens signed with keys published at a JWKS URL.
type JWKSVerifier struct {
	keyfunc jwt.Keyfunc
	parser  *jwt.Parser
}

func NewJWKSVerifier(jwksURL, issuer, audience string) (*JWKSVerifier, error) {
	jwksURL = strings.TrimSpace(jwksURL)
	if jwksURL == "" {
		return nil, errors.New("jwks url must be set")
	}
	keyProvider, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to init JWKS keyfunc: %w", err)
	}
	return newJWKSVerifier(keyProvider.Keyfunc, issuer, audience), nil
}

func newJWKSVerifier(kf jwt.Keyfunc, issuer, audience string) *JWKSVerifier {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(defaultLeeway),
		jwt.WithValidMethods([]string{
			jwt.SigningMethodRS256.Name,
			jwt.SigningMethodRS384.Name,
			jwt.SigningMethodRS512.Name,
			jwt.SigningMethodES256.Name,
			jwt.SigningMethodES384.Name,
		}),
	}
	if issuer = strings.TrimSpace(issuer); issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience = strings.TrimSpace(audience); audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &JWKSVerifier{keyfunc: kf, parser: jwt.NewParser(opts...)}
}

func (v *JWKSVerifier) Verify(_ context.Context, tokenString string) (Claims, error) {
	token, err := v.parser.Parse(tokenString, v.keyfunc)
	if err != nil {
		return Claims{}, err
	}
	if !token.Valid {
		return Claims{}, errors.New("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, errors.New("invalid token claims")
	}
	return claimsFromMap(claims)
}

type googleValidateFunc func(ctx context.Context, token, audience string) (*idtoken.Payload, error)

// GoogleVerifier checks Google ID tokens issued for ClientID.
type GoogleVerifier struct {
	ClientID string
	validate googleValidateFunc
}

func NewGoogleVerifier(clientID string) *GoogleVerifier {
	return &GoogleVerifier{ClientID: strings.TrimSpace(clientID), validate: idtoken.Validate}
}

func (v *GoogleVerifier) Verify(ctx context.Context, tokenString string) (Claims, error) {
	if v.ClientID == "" {
		return Claims{}, ErrNoVerifier
	}
	validate := v.validate
	if validate == nil {
		validate = idtoken.Validate
	}
	payload, err := validate(ctx, tokenString, v.ClientID)
	if err != nil {
		return Claims{}, err
	}
	if strings.TrimSpace(payload.Subject) == "" {
		return Claims{}, errors.New("token subject missing")
	}
	email, _ := payload.Claims["email"].(string)
	return Claims{UserID: "google:" + payload.Subject, Email: strings.TrimSpace(email)}, nil
}

// Chain tries each verifier in order and returns the first success.
type Chain []TokenVerifier

func (c Chain) Verify(ctx context.Context, token string) (Claims, error) {
	if len(c) == 0 {
		return Claims{}, ErrNoVerifier
	}
	errs := make([]error, 0, len(c))
	for _, v := range c {
		if v == nil {
			continue
		}
		claims, err := v.Verify(ctx, token)
		if err == nil {
			return claims, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return Claims{}, ErrNoVerifier
	}
	return Claims{}, errors.Join(errs...)
}

func claimsFromMap(claims jwt.MapClaims) (Claims, error) {
	sub, _ := claims["sub"].(string)
	sub = strings.TrimSpace(sub)
	if sub == "" {
		return Claims{}, errors.New("token subject missing")
	}
	email, _ := claims["email"].(string)
	return Claims{UserID: sub, Email: strings.TrimSpace(email)}, nil
}

func claimHasAudience(value any, audience string) bool {
	switch v := value.(type) {
	case string:
		return v == audience
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == audience {
				return true
			}
		}
	case []string:
		for _, item := range v {
			if item == audience {
				return true
			}
		}
	}
	return false
}
