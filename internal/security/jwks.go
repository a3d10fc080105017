package security

import (
	"crypto"
	"encoding/json"
	"fmt"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// PublicJWKSet wraps the verification key in a JWK set so that other services can verify access tokens.
func PublicJWKSet(pub crypto.PublicKey, kid string) (jwk.Set, error) {
	key, err := jwk.Import(pub)
	if err != nil {
		return nil, fmt.Errorf("import public key: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, err
	}
	switch KeyAlg(pub) {
	case "RS256":
		err = key.Set(jwk.AlgorithmKey, jwa.RS256())
	case "ES256":
		err = key.Set(jwk.AlgorithmKey, jwa.ES256())
	default:
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, err
	}
	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return nil, err
	}
	return set, nil
}

// MarshalJWKS returns the JSON document served at /.well-known/jwks.json.
func MarshalJWKS(pub crypto.PublicKey, kid string) ([]byte, error) {
	set, err := PublicJWKSet(pub, kid)
	if err != nil {
		return nil, err
	}
	return json.Marshal(set)
}
