package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/tutoring-service/internal/api/dto"
	"github.com/spec-kit/tutoring-service/internal/domain"
	"github.com/spec-kit/tutoring-service/internal/service"
)

// AdminHandler exposes account administration endpoints.
type AdminHandler struct {
	auth *service.AuthService
}

// NewAdminHandler constructs handler.
func NewAdminHandler(authService *service.AuthService) *AdminHandler {
	return &AdminHandler{auth: authService}
}

// UpdateUserStatus handles PATCH /admin/users/:id/status.
func (h *AdminHandler) UpdateUserStatus(c *fiber.Ctx) error {
	principal, err := requirePrincipal(c)
	if err != nil {
		return err
	}

	var req dto.StatusUpdateRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}

	user, err := h.auth.SetAccountStatus(c.UserContext(), principal, c.Params("id"), domain.UserStatus(req.Status))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewUserResponse(user)})
}
