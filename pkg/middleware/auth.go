package middleware

import (
	"os"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

func jwtSecret() []byte {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-secret-key-change-in-production"
	}
	return []byte(secret)
}

type identity struct {
	userID         string
	organizationID string
	role           string
}

func parseToken(tokenStr string) (identity, bool) {
	token, err := jwt.ParseWithClaims(tokenStr, &jwt.MapClaims{}, func(t *jwt.Token) (interface{}, error) {
		return jwtSecret(), nil
	})
	if err != nil || !token.Valid {
		return identity{}, false
	}

	claims := token.Claims.(*jwt.MapClaims)
	var id identity
	if sub, ok := (*claims)["sub"].(string); ok {
		id.userID = sub
	}
	if org, ok := (*claims)["org_id"].(string); ok {
		id.organizationID = org
	}
	if role, ok := (*claims)["role"].(string); ok {
		id.role = role
	}
	return id, id.userID != "" && id.organizationID != ""
}

// Auth guards REST endpoints. It sets user_id, org_id and role locals.
func Auth(c *fiber.Ctx) error {
	auth := c.Get("Authorization")
	if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
		return c.Status(401).JSON(fiber.Map{"error": "missing bearer token"})
	}

	id, ok := parseToken(auth[7:])
	if !ok {
		return c.Status(401).JSON(fiber.Map{"error": "invalid token"})
	}

	c.Locals("user_id", id.userID)
	c.Locals("org_id", id.organizationID)
	c.Locals("role", id.role)
	return c.Next()
}

// WSToken resolves the connecting client's identity before the websocket
// upgrade. The token comes from the query string or the Authorization header;
// an unidentified client is rejected since every subscription is tenant-scoped.
func WSToken(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	tokenStr := c.Query("token")
	if tokenStr == "" {
		auth := c.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			tokenStr = auth[7:]
		}
	}
	if tokenStr == "" {
		return c.Status(401).JSON(fiber.Map{"error": "missing token"})
	}

	id, ok := parseToken(tokenStr)
	if !ok {
		return c.Status(401).JSON(fiber.Map{"error": "invalid token"})
	}

	c.Locals("user_id", id.userID)
	c.Locals("org_id", id.organizationID)
	c.Locals("role", id.role)
	return c.Next()
}
