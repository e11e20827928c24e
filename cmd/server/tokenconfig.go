package main

import (
	"fmt"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/sxmxc/opstoolbox/internal/auth"
	"github.com/sxmxc/opstoolbox/internal/config"
)

// buildTokenConfig turns the validated env config into the jwx signing/
// verification keys auth.TokenService needs -- symmetric for HS*, a PEM
// keypair for RS*/ES*, matching config.Config.validate()'s own algorithm
// switch.
func buildTokenConfig(cfg *config.Config) (auth.TokenConfig, error) {
	alg := jwa.SignatureAlgorithm(strings.ToUpper(cfg.AuthJWTAlgorithm))

	var signKey, verifyKey jwk.Key
	var err error
	switch alg {
	case jwa.HS256, jwa.HS384, jwa.HS512:
		signKey, err = jwk.FromRaw([]byte(cfg.AuthJWTSecret))
		if err != nil {
			return auth.TokenConfig{}, fmt.Errorf("build HMAC signing key: %w", err)
		}
		verifyKey = signKey
	default:
		signKey, err = jwk.ParseKey([]byte(cfg.AuthJWTPrivateKey), jwk.WithPEM(true))
		if err != nil {
			return auth.TokenConfig{}, fmt.Errorf("parse AUTH_JWT_PRIVATE_KEY: %w", err)
		}
		verifyKey, err = jwk.ParseKey([]byte(cfg.AuthJWTPublicKey), jwk.WithPEM(true))
		if err != nil {
			return auth.TokenConfig{}, fmt.Errorf("parse AUTH_JWT_PUBLIC_KEY: %w", err)
		}
	}

	return auth.TokenConfig{
		Issuer:     "opstoolbox",
		Algorithm:  alg,
		SignKey:    signKey,
		VerifyKey:  verifyKey,
		AccessTTL:  cfg.AuthAccessTokenTTL,
		RefreshTTL: cfg.AuthRefreshTokenTTL,
	}, nil
}
