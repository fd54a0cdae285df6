// Package clients keeps the registry of confidential clients and verifies
// the private_key_jwt assertions they authenticate with.
package clients

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// AssertionType is the only client_assertion_type accepted.
const AssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

var (
	ErrUnknownClient     = errors.New("clients: client is not registered")
	ErrInvalidAssertion  = errors.New("clients: assertion failed verification")
	ErrAssertionExpired  = errors.New("clients: assertion is expired")
	ErrAssertionAudience = errors.New("clients: assertion audience does not match the endpoint")
)

var assertionAlgorithms = []jose.SignatureAlgorithm{
	jose.ES256, jose.ES384, jose.RS256, jose.PS256, jose.EdDSA,
}

// Client is a registered confidential client. Keys holds the public JWKs it
// signs assertions with.
type Client struct {
	ID       string
	TenantID string
	Name     string
	Keys     jose.JSONWebKeySet
}

// Registry is the in-memory client registry.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

func (r *Registry) Register(client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.ID] = client
}

func (r *Registry) Get(clientID string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[clientID]
	return client, ok
}

type assertionClaims struct {
	Issuer   string `json:"iss"`
	Subject  string `json:"sub"`
	Audience any    `json:"aud"`
	Expiry   int64  `json:"exp"`
	JTI      string `json:"jti"`
}

// VerifyAssertion authenticates a private_key_jwt client assertion: the
// signature must verify against a key the client registered, iss and sub
// must both equal the client id, exp must be in the future and aud must
// match the endpoint the assertion was presented to. Returns the client.
func (r *Registry) VerifyAssertion(assertion, endpointURL string, now time.Time) (Client, error) {
	jws, err := jose.ParseSigned(assertion, assertionAlgorithms)
	if err != nil {
		return Client{}, ErrInvalidAssertion
	}
	if len(jws.Signatures) != 1 {
		return Client{}, ErrInvalidAssertion
	}

	// iss identifies the client before signature verification; the claimed
	// identity picks the key set, the signature proves it.
	var unverified assertionClaims
	if err := json.Unmarshal(jws.UnsafePayloadWithoutVerification(), &unverified); err != nil {
		return Client{}, ErrInvalidAssertion
	}
	client, ok := r.Get(unverified.Issuer)
	if !ok {
		return Client{}, ErrUnknownClient
	}

	kid := jws.Signatures[0].Protected.KeyID
	matching := client.Keys.Key(kid)
	if len(matching) == 0 {
		return Client{}, ErrInvalidAssertion
	}

	payload, err := jws.Verify(matching[0])
	if err != nil {
		return Client{}, ErrInvalidAssertion
	}
	var claims assertionClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Client{}, ErrInvalidAssertion
	}

	if claims.Issuer != client.ID || claims.Subject != client.ID {
		return Client{}, ErrInvalidAssertion
	}
	if claims.Expiry == 0 || now.After(time.Unix(claims.Expiry, 0)) {
		return Client{}, ErrAssertionExpired
	}
	if !audienceContains(claims.Audience, endpointURL) {
		return Client{}, ErrAssertionAudience
	}
	return client, nil
}

func audienceContains(aud any, endpointURL string) bool {
	switch v := aud.(type) {
	case string:
		return v == endpointURL
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == endpointURL {
				return true
			}
		}
	}
	return false
}

// FromJSON registers clients from a JSON document, the shape the
// OAUTH_CLIENTS environment variable carries.
func (r *Registry) FromJSON(raw []byte) error {
	var entries []struct {
		ID       string             `json:"client_id"`
		TenantID string             `json:"tenant_id"`
		Name     string             `json:"name"`
		JWKS     jose.JSONWebKeySet `json:"jwks"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parse client registry: %w", err)
	}
	for _, e := range entries {
		r.Register(Client{ID: e.ID, TenantID: e.TenantID, Name: e.Name, Keys: e.JWKS})
	}
	return nil
}
