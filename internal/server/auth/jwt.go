// Package auth issues and checks the credentials the server accepts: bearer
// JWTs that identify a principal, and intent tokens that authorize a single
// follow-up action on a single intent.
package auth

import (
	"fmt"
	"time"

	"github.com/dmitrijs2005/paykeeper/internal/common"
	"github.com/dmitrijs2005/paykeeper/internal/server/models"
	"github.com/golang-jwt/jwt/v5"
)

// Claims extends the registered claims with the principal identity.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"uid"`
	Email  string `json:"email"`
}

func GenerateToken(p models.Principal, secretKey []byte, validityDuration time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validityDuration)),
		},
		UserID: p.ID,
		Email:  p.Email,
	})

	tokenString, err := token.SignedString(secretKey)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

// GetPrincipalFromToken validates an HS256 bearer token. Every failure,
// expiry included, is common.ErrorUnauthorized.
func GetPrincipalFromToken(tokenString string, secretKey []byte) (models.Principal, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return models.Principal{}, fmt.Errorf("%w: %v", common.ErrorUnauthorized, err)
	}

	if !token.Valid {
		return models.Principal{}, common.ErrorUnauthorized
	}

	p := models.Principal{ID: claims.UserID, Email: claims.Email}
	if err := p.Validate(); err != nil {
		return models.Principal{}, fmt.Errorf("%w: %v", common.ErrorUnauthorized, err)
	}

	return p, nil
}
