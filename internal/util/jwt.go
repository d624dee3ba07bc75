package util

import (
	"coursehub_backend/internal/model"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Claims 令牌载荷；租户和角色随令牌下发，服务端不再回查
type Claims struct {
	UserID   string         `json:"user_id"`
	TenantID string         `json:"tenant_id"`
	Role     model.UserRole `json:"role"`
	Email    string         `json:"email,omitempty"`
	jwt.RegisteredClaims
}

func GenerateJWT(userID, tenantID string, role model.UserRole, secret string, expiration time.Duration) (string, error) {
	expirationTime := time.Now().Add(expiration)

	claims := &Claims{
		UserID:   userID,
		TenantID: tenantID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expirationTime),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseJWT(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.UserID == "" || claims.TenantID == "" {
		return nil, ErrInvalidClaims
	}
	return claims, nil
}

func GetUserFromContext(c *gin.Context) *Claims {
	user, exists := c.Get("user")
	if !exists {
		return nil
	}
	claims, ok := user.(*Claims)
	if !ok {
		return nil
	}
	return claims
}

// UserKey 限流维度：已登录按用户，否则为空（回退到 IP）
func UserKey(c *gin.Context) string {
	if claims := GetUserFromContext(c); claims != nil {
		return "user:" + claims.UserID
	}
	return ""
}
