package oidc

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/medibook/medibook/backend/booking-service/pkg/middleware"
	"github.com/stretchr/testify/require"
)

func TestInsecureVerifierReadsClaims(t *testing.T) {
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"p1","role":"patient"}`))
	v := NewInsecureVerifier()

	tok, err := v.Verify(context.Background(), "e30."+payload+".sig")
	require.NoError(t, err)
	var claims map[string]interface{}
	require.NoError(t, tok.Claims(&claims))
	require.Equal(t, "p1", claims["sub"])

	_, err = v.Verify(context.Background(), "garbage")
	require.Error(t, err)
}

func TestStaticVerifier(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}}
	v := NewStaticVerifier("https://id.example.com/realms/medibook", "booking", keySet)

	raw, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": "https://id.example.com/realms/medibook",
		"aud": "booking",
		"sub": "doc-7",
		"exp": time.Now().Add(time.Minute).Unix(),
		"iat": time.Now().Unix(),
		"realm_access": map[string]interface{}{"roles": []string{"doctor"}},
	}).SignedString(key)
	require.NoError(t, err)

	var _ middleware.Verifier = v
	tok, err := v.Verify(context.Background(), raw)
	require.NoError(t, err)
	var claims map[string]interface{}
	require.NoError(t, tok.Claims(&claims))
	require.Equal(t, "doc-7", claims["sub"])

	_, err = NewStaticVerifier("https://other", "booking", keySet).Verify(context.Background(), raw)
	require.Error(t, err)
}
