package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meridian-chat/meridian/internal/config"
	"github.com/meridian-chat/meridian/internal/ports"
)

// Stable verification codes. They end up in close frames and metrics labels,
// so their spelling must not change.
const (
	CodeMissingToken     = "missing_token"
	CodeMalformed        = "malformed"
	CodeInvalidSignature = "invalid_signature"
	CodeInvalidAudience  = "invalid_audience"
	CodeInvalidIssuer    = "invalid_issuer"
	CodeExpired          = "expired"
	CodeNotBefore        = "not_before"
	CodeUnauthorized     = "unauthorized"
	CodeInternal         = "internal"
)

// VerifyError carries a stable code alongside the underlying failure.
type VerifyError struct {
	Code string
	Err  error
}

func (e *VerifyError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *VerifyError) Unwrap() error {
	return e.Err
}

// CodeOf extracts the verification code from an error, defaulting to
// unauthorized for anything that is not a VerifyError.
func CodeOf(err error) string {
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return CodeUnauthorized
}

type keySource interface {
	// keyFor resolves verification key material for the token header.
	keyFor(ctx context.Context, token *jwt.Token) (interface{}, error)
}

// Verifier validates handshake tokens against a JWKS endpoint, static keys,
// or both. When both are configured the JWKS is consulted first and static
// keys are retried only on a signature mismatch.
type Verifier struct {
	issuer     string
	audience   string
	leeway     time.Duration
	jwks       keySource
	staticKeys []staticKey
}

type staticKey struct {
	rsa    *rsa.PublicKey
	secret []byte
}

func NewVerifier(cfg config.AuthConfig) (*Verifier, error) {
	v := &Verifier{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		leeway:   time.Duration(cfg.LeewaySec) * time.Second,
	}
	if cfg.JWKSURL != "" {
		v.jwks = newJWKSResolver(cfg.JWKSURL)
	}
	for _, raw := range cfg.PublicKeys {
		key, err := parseStaticKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse static key: %w", err)
		}
		v.staticKeys = append(v.staticKeys, key)
	}
	if v.jwks == nil && len(v.staticKeys) == 0 {
		return nil, errors.New("verifier needs a JWKS URL or at least one static key")
	}
	return v, nil
}

// parseStaticKey accepts a PEM-encoded RSA public key or, failing that,
// treats the value as an HMAC shared secret.
func parseStaticKey(raw string) (staticKey, error) {
	if pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(raw)); err == nil {
		return staticKey{rsa: pub}, nil
	}
	if raw == "" {
		return staticKey{}, errors.New("empty key material")
	}
	return staticKey{secret: []byte(raw)}, nil
}

func (v *Verifier) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(v.leeway),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	}
	return opts
}

// Verify validates the token and extracts the caller identity. The user ID
// is read from sub, then user_id, then uid.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*ports.TokenClaims, error) {
	if tokenString == "" {
		return nil, &VerifyError{Code: CodeMissingToken}
	}

	var (
		token *jwt.Token
		err   error
	)
	if v.jwks != nil {
		token, err = jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			return v.jwks.keyFor(ctx, t)
		}, v.parserOptions()...)
		// Static keys are a fallback for signature mismatches only; any
		// other failure is final.
		if err != nil && errors.Is(err, jwt.ErrTokenSignatureInvalid) && len(v.staticKeys) > 0 {
			token, err = v.parseWithStaticKeys(tokenString)
		}
	} else {
		token, err = v.parseWithStaticKeys(tokenString)
	}

	if err != nil {
		return nil, classify(err)
	}
	if !token.Valid {
		return nil, &VerifyError{Code: CodeUnauthorized}
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, &VerifyError{Code: CodeMalformed, Err: errors.New("unexpected claims type")}
	}

	userID := stringClaim(claims, "sub")
	if userID == "" {
		userID = stringClaim(claims, "user_id")
	}
	if userID == "" {
		userID = stringClaim(claims, "uid")
	}
	if userID == "" {
		return nil, &VerifyError{Code: CodeUnauthorized, Err: errors.New("no subject claim")}
	}

	out := &ports.TokenClaims{UserID: userID}
	if iss, err := claims.GetIssuer(); err == nil {
		out.Issuer = iss
	}
	if aud, err := claims.GetAudience(); err == nil {
		out.Audience = aud
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

func (v *Verifier) parseWithStaticKeys(tokenString string) (*jwt.Token, error) {
	var lastErr error
	for _, key := range v.staticKeys {
		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			switch t.Method.(type) {
			case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS:
				if key.rsa == nil {
					return nil, jwt.ErrTokenSignatureInvalid
				}
				return key.rsa, nil
			case *jwt.SigningMethodHMAC:
				if key.secret == nil {
					return nil, jwt.ErrTokenSignatureInvalid
				}
				return key.secret, nil
			default:
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
		}, v.parserOptions()...)
		if err == nil {
			return token, nil
		}
		lastErr = err
		// Only a signature mismatch justifies trying the next key.
		if !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, err
		}
	}
	return nil, lastErr
}

func classify(err error) *VerifyError {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return &VerifyError{Code: CodeExpired, Err: err}
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return &VerifyError{Code: CodeNotBefore, Err: err}
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return &VerifyError{Code: CodeInvalidAudience, Err: err}
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return &VerifyError{Code: CodeInvalidIssuer, Err: err}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return &VerifyError{Code: CodeInvalidSignature, Err: err}
	case errors.Is(err, jwt.ErrTokenMalformed):
		return &VerifyError{Code: CodeMalformed, Err: err}
	case errors.Is(err, errJWKSUnavailable):
		return &VerifyError{Code: CodeInternal, Err: err}
	default:
		return &VerifyError{Code: CodeUnauthorized, Err: err}
	}
}

func stringClaim(claims jwt.MapClaims, name string) string {
	if v, ok := claims[name].(string); ok {
		return v
	}
	return ""
}
