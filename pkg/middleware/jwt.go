package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
// 認証レイヤー（管理画面のゲートウェイ）が発行し、本サービスは検証のみ行う。
// NameとProfilePictureは通知配信時の送信者情報の解決に使用する。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Email はユーザーのメールアドレス。受信者キーの元になる。
	Email string `json:"email"`
	// Name はユーザーの表示名。
	Name string `json:"name"`
	// ProfilePicture はユーザーのアバター画像URL。
	ProfilePicture string `json:"profile_picture"`
}

// GenerateJWT はユーザー情報からJWTトークンを生成する。
// 管理画面のゲートウェイが認証成功後に呼び出す。テストでも使用する。
func GenerateJWT(secret, userID, email, name, profilePicture string) (string, error) {
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "adminhub-gateway",
		},
		UserID:         userID,
		Email:          email,
		Name:           name,
		ProfilePicture: profilePicture,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストにユーザー情報と正規化済みの
// 受信者キー（"recipient"）を設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorizationヘッダーが必要です",
			})
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer トークン形式が不正です",
			})
			return
		}

		claims := &JWTClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
			})
			return
		}

		if claims.Email == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンにメールアドレスが含まれていません",
			})
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("recipient", NormalizeRecipient(claims.Email))
		c.Set("name", claims.Name)
		c.Set("profile_picture", claims.ProfilePicture)
		c.Next()
	}
}

// NormalizeRecipient は受信者キーを正規化する。
// メールアドレスの大文字・小文字の揺れを吸収するため、前後の空白を
// 除去して小文字化する。レジストリの照合はすべてこの形式で行う。
func NormalizeRecipient(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// GetRecipient はGinコンテキストから正規化済みの受信者キーを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetRecipient(c *gin.Context) string {
	return getString(c, "recipient")
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
func GetUserID(c *gin.Context) string {
	return getString(c, "user_id")
}

// GetName はGinコンテキストからユーザーの表示名を取得する。
func GetName(c *gin.Context) string {
	return getString(c, "name")
}

// GetProfilePicture はGinコンテキストからアバター画像URLを取得する。
func GetProfilePicture(c *gin.Context) string {
	return getString(c, "profile_picture")
}

// getString はGinコンテキストから文字列値を取得する共通処理。
func getString(c *gin.Context, key string) string {
	v, _ := c.Get(key)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
