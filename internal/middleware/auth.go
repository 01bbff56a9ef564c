package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

const apiTokenHeader = "X-API-Token"

// APIToken guards routes with an opaque shared secret supplied either as a
// bearer token or in the X-API-Token header. When hash is set it must be a
// bcrypt digest of the secret, so the plain token never has to live in the
// environment; otherwise the plain token is compared in constant time. With
// neither configured the check is disabled (dev mode).
func APIToken(token, hash string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token == "" && hash == "" {
			return c.Next()
		}

		presented := c.Get(apiTokenHeader)
		if presented == "" {
			auth := c.Get(fiber.HeaderAuthorization)
			if strings.HasPrefix(auth, "Bearer ") {
				presented = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if presented == "" {
			return fiber.NewError(http.StatusUnauthorized, "missing API token")
		}

		if hash != "" {
			if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(presented)); err != nil {
				return fiber.NewError(http.StatusUnauthorized, "invalid API token")
			}
			return c.Next()
		}

		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			return fiber.NewError(http.StatusUnauthorized, "invalid API token")
		}
		return c.Next()
	}
}
