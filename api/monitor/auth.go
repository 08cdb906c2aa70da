package monitor

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// bearerAuth validates an HS256 bearer token signed with the configured
// secret. Tokens are minted out of band (see NewOperatorToken); there is no
// login flow here.
func bearerAuth(secret string, logger *slog.Logger) echo.MiddlewareFunc {
	key := []byte(secret)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			tokenStr, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenStr == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "missing bearer token",
				})
			}

			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return key, nil
			})
			if err != nil || !token.Valid {
				logger.Warn("monitor auth rejected",
					"path", c.Request().URL.Path,
					"ip", c.RealIP(),
					"error", err,
					"loc", LOC_MON_AUTH)
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "invalid bearer token",
				})
			}
			return next(c)
		}
	}
}

// NewOperatorToken mints a bearer token for the protected endpoints. Used by
// operators (and tests); the daemon itself never calls it.
func NewOperatorToken(secret string, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}
