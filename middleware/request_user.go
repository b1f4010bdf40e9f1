package middleware

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"mailvet/utils"
)

// UserHeader carries the id of the authenticated caller. Authentication
// itself happens upstream; this service only trusts the header.
const UserHeader = "X-User-ID"

// RequestUser stores the caller's id in Locals("userID").
func RequestUser() fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := c.Get(UserHeader)
		if raw == "" {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Missing "+UserHeader+" header", nil)
		}
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || id == 0 {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid "+UserHeader+" header", nil)
		}
		c.Locals("userID", uint(id))
		return c.Next()
	}
}
