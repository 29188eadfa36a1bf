package sandboxd

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// publicKeyEnv carries the control plane's base64-encoded PEM public key.
	publicKeyEnv = "SANDBOXD_PUBLIC_KEY"
	// MaxBodySize limits request bodies to prevent memory exhaustion.
	MaxBodySize = 32 << 20
)

// AuthManager verifies bearer tokens minted by the control plane. The key is
// injected once at boot; when absent the daemon runs open (local development).
type AuthManager struct {
	publicKey *rsa.PublicKey
}

// NewAuthManagerFromEnv loads the verification key from the environment.
// A missing variable is not an error: the returned manager simply does not
// enforce authentication.
func NewAuthManagerFromEnv() (*AuthManager, error) {
	keyB64 := os.Getenv(publicKeyEnv)
	if keyB64 == "" {
		return &AuthManager{}, nil
	}

	data, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 %s: %w", publicKeyEnv, err)
	}
	key, err := parsePublicKey(data)
	if err != nil {
		return nil, err
	}
	return &AuthManager{publicKey: key}, nil
}

// NewAuthManager verifies against the given PEM public key.
func NewAuthManager(publicKeyPEM []byte) (*AuthManager, error) {
	key, err := parsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return &AuthManager{publicKey: key}, nil
}

func parsePublicKey(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPub, nil
}

// Enforcing reports whether a verification key is loaded.
func (am *AuthManager) Enforcing() bool {
	return am.publicKey != nil
}

// Middleware verifies the Authorization header on every request. Without a
// loaded key it is a no-op.
func (am *AuthManager) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !am.Enforcing() {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Missing Authorization header",
				"code":  http.StatusUnauthorized,
			})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid Authorization header format",
				"code":  http.StatusUnauthorized,
			})
			c.Abort()
			return
		}

		token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v, expected RS256", token.Header["alg"])
			}
			return am.publicKey, nil
		}, jwt.WithExpirationRequired(), jwt.WithIssuedAt(), jwt.WithLeeway(time.Minute))

		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":  "Invalid token",
				"code":   http.StatusUnauthorized,
				"detail": fmt.Sprintf("JWT verification failed: %v", err),
			})
			c.Abort()
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodySize)
		c.Next()
	}
}
