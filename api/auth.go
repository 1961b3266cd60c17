package api

import (
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// OperatorClaims 是管理操作(建立拍賣、觸發結算)所需的JWT claims
type OperatorClaims struct {
	jwt.RegisteredClaims
}

// ParseAndValidateOperatorJWT 驗證operator token的Ed25519簽章與標準claims。
func ParseAndValidateOperatorJWT(tokenString string, key ed25519.PublicKey, issuer, audience string) (*OperatorClaims, error) {
	const op = "ParseAndValidateOperatorJWT"
	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
	}
	if issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		parserOptions = append(parserOptions, jwt.WithAudience(audience))
	}
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		return key, nil
	}, parserOptions...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%s: token is invalid", op)
	}
	claims, ok := token.Claims.(*OperatorClaims)
	if !ok {
		return nil, fmt.Errorf("%s: token claims are invalid", op)
	}
	return claims, nil
}

// operatorAuth 保護管理端點，token可以放在Authorization header或access_token cookie
func (impl *ServerImpl) operatorAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if tokenString == "" {
			if cookie, err := c.Cookie("access_token"); err == nil {
				tokenString = cookie
			}
		}
		if tokenString == "" {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		claims, err := ParseAndValidateOperatorJWT(tokenString, impl.config.Auth.OperatorPublicKey, impl.config.Auth.Issuer, impl.config.Auth.Audience)
		if err != nil {
			slog.Error("Fail to parse and validate JWT", slog.Any("error", err))
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Set("operator", claims.Subject)
		c.Next()
	}
}
