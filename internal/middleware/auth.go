package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// AuthContextKey is the gin context key OperatorAuth sets once a
	// bearer token has been validated.
	AuthContextKey = "operator_subject"
)

var operatorSecret string

// OperatorClaims is the JWT claims shape for the admin API's operator
// bearer token, repurposed from the teacher's per-end-user Claims into
// a single internal-operator subject (this API has no end-user
// accounts; see SPEC_FULL §6).
type OperatorClaims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// SetOperatorSecret sets the HMAC secret OperatorAuth validates
// against. It must be called once at startup with
// config.ServerConfig.OperatorToken before the admin API starts
// serving requests.
func SetOperatorSecret(secret string) {
	operatorSecret = secret
}

// OperatorAuth validates the admin API's operator bearer token on the
// routes it guards (every /v1 route). An empty configured secret disables those routes
// rather than silently accepting every request, since a blank secret
// is far more likely to be a missing-configuration bug than an
// intentional "no auth" choice.
func OperatorAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if operatorSecret == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "operator auth is not configured"})
			c.Abort()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization format"})
			c.Abort()
			return
		}

		token, err := jwt.ParseWithClaims(parts[1], &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
			return []byte(operatorSecret), nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		claims, ok := token.Claims.(*OperatorClaims)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token claims"})
			c.Abort()
			return
		}

		c.Set(AuthContextKey, claims.Subject)
		c.Next()
	}
}

// GenerateOperatorToken mints a bearer token for an operator subject
// (e.g. "oncall", "ci"), signed with the secret set via
// SetOperatorSecret. Used by operators to self-issue tokens; this repo
// has no token issuance endpoint of its own.
func GenerateOperatorToken(subject string, expiresIn time.Duration) (string, error) {
	claims := OperatorClaims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(operatorSecret))
}

// OperatorSubject retrieves the authenticated operator subject from
// the gin context.
func OperatorSubject(c *gin.Context) (string, bool) {
	subject, exists := c.Get(AuthContextKey)
	if !exists {
		return "", false
	}
	s, ok := subject.(string)
	return s, ok
}
