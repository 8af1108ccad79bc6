package dto

import (
	"time"

	"github.com/spec-kit/tutoring-service/internal/domain"
)

// RegisterRequest payload for self-registration.
type RegisterRequest struct {
	Email     string `json:"email" validate:"required,email,max=254"`
	Password  string `json:"password" validate:"required,min=8,maxbytes=72"`
	FirstName string `json:"first_name" validate:"max=100"`
	LastName  string `json:"last_name" validate:"max=100"`
	Role      string `json:"role" validate:"required,oneof=student teacher"`
}

// LoginRequest payload for login. The identifier is not format-checked so
// a malformed one fails like any unknown identifier.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,max=254"`
	Password string `json:"password" validate:"required,maxbytes=72"`
}

// ChangePasswordRequest payload for POST /auth/password/change.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required,maxbytes=72"`
	NewPassword     string `json:"new_password" validate:"required,min=8,maxbytes=72"`
}

// StatusUpdateRequest payload for PATCH /admin/users/:id/status.
type StatusUpdateRequest struct {
	Status string `json:"status" validate:"required,oneof=active suspended pending"`
}

// AuthResponse standard response for auth endpoints.
type AuthResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// UserResponse is the public view of an account.
type UserResponse struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	Role      string     `json:"role"`
	Status    string     `json:"status"`
	LastLogin *time.Time `json:"last_login,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// NewUserResponse maps a domain user to its public view.
func NewUserResponse(u *domain.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Email:     u.Identifier,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Role:      string(u.Role),
		Status:    string(u.Status),
		LastLogin: u.LastLogin,
		CreatedAt: u.CreatedAt,
	}
}
