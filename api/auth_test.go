package api

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signOperatorToken(t *testing.T, key ed25519.PrivateKey, claims OperatorClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(&jwt.SigningMethodEd25519{}, claims)
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func operatorClaims(expiresIn time.Duration) OperatorClaims {
	now := time.Now()
	return OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "gavel",
			Audience:  []string{"gavel-operator"},
			Subject:   "operator-1",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}
}

func TestParseAndValidateOperatorJWT(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	t.Run("合法的token", func(t *testing.T) {
		tokenString := signOperatorToken(t, privateKey, operatorClaims(time.Hour))
		claims, err := ParseAndValidateOperatorJWT(tokenString, publicKey, "gavel", "gavel-operator")
		require.NoError(t, err)
		assert.Equal(t, "operator-1", claims.Subject)
	})

	t.Run("過期的token", func(t *testing.T) {
		tokenString := signOperatorToken(t, privateKey, operatorClaims(-time.Hour))
		_, err := ParseAndValidateOperatorJWT(tokenString, publicKey, "gavel", "gavel-operator")
		assert.Error(t, err)
	})

	t.Run("錯誤的簽章金鑰", func(t *testing.T) {
		otherPublic, _, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		tokenString := signOperatorToken(t, privateKey, operatorClaims(time.Hour))
		_, err = ParseAndValidateOperatorJWT(tokenString, otherPublic, "gavel", "gavel-operator")
		assert.Error(t, err)
	})

	t.Run("issuer不符", func(t *testing.T) {
		tokenString := signOperatorToken(t, privateKey, operatorClaims(time.Hour))
		_, err := ParseAndValidateOperatorJWT(tokenString, publicKey, "someone-else", "gavel-operator")
		assert.Error(t, err)
	})

	t.Run("拒絕非EdDSA的演算法", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, operatorClaims(time.Hour))
		tokenString, err := token.SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = ParseAndValidateOperatorJWT(tokenString, publicKey, "gavel", "gavel-operator")
		assert.Error(t, err)
	})
}
