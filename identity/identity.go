// Package identity 解析由外部身分服務簽發的存取權杖
package identity

import (
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"bidmart/bizerr"
	"bidmart/models"
)

var ErrInvalidToken = errors.New("invalid token")

// Identity 是一次操作的呼叫者
type Identity struct {
	AccountID uuid.UUID
	Role      models.AccountRole
}

func (i Identity) IsAdmin() bool {
	return i.Role == models.AccountRoleAdmin
}

// RequireAdmin 呼叫者不是管理員時回傳 NotAdmin
func (i Identity) RequireAdmin() error {
	if !i.IsAdmin() {
		return bizerr.ErrNotAdmin
	}
	return nil
}

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Parse 驗證 EdDSA 簽章與有效期限，subject 必須是帳戶 ID
func Parse(tokenString string, publicKey crypto.PublicKey) (Identity, error) {
	const op = "Parse"
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return publicKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, fmt.Errorf("[%s] %w: %w", op, ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, fmt.Errorf("[%s] %w: token claims are invalid", op, ErrInvalidToken)
	}
	accountID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Identity{}, fmt.Errorf("[%s] %w: subject is not an account id", op, ErrInvalidToken)
	}
	role := models.AccountRoleUser
	if claims.Role == string(models.AccountRoleAdmin) {
		role = models.AccountRoleAdmin
	}
	return Identity{AccountID: accountID, Role: role}, nil
}

// Issue 簽發權杖，用於測試與內部工具
func Issue(identity Identity, signer crypto.Signer, ttl time.Duration, now time.Time) (string, error) {
	const op = "Issue"
	claims := Claims{
		Role: string(identity.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.AccountID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(signer)
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to sign token, err=%w", op, err)
	}
	return token, nil
}
