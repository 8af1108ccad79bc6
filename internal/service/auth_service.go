package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/tutoring-service/internal/auth"
	"github.com/spec-kit/tutoring-service/internal/config"
	"github.com/spec-kit/tutoring-service/internal/domain"
	"github.com/spec-kit/tutoring-service/internal/events"
	"github.com/spec-kit/tutoring-service/internal/observability"
	"github.com/spec-kit/tutoring-service/internal/repository"
	apperrors "github.com/spec-kit/tutoring-service/pkg/util"
)

// LoginResult is returned by a successful login.
type LoginResult struct {
	User        *domain.User
	Token       domain.Token
	AccessToken string
}

// RegisterInput carries a self-registration request.
type RegisterInput struct {
	Identifier string
	Password   string
	FirstName  string
	LastName   string
	Role       domain.Role
}

// AuthService coordinates registration, login and account flows.
type AuthService struct {
	users       repository.UserRepository
	revocations repository.RevocationRepository
	tokens      *auth.TokenCodec
	dispatcher  events.Dispatcher
	logger      *zap.Logger
	metrics     *observability.Metrics
	bcryptCost  int
	decoyHash   string
	compare     func(hashed, plain string) error
	now         func() time.Time
}

// AuthDependencies encapsulates collaborators of the auth service.
type AuthDependencies struct {
	UserRepo       repository.UserRepository
	RevocationRepo repository.RevocationRepository
	Tokens         *auth.TokenCodec
	Dispatcher     events.Dispatcher
	Logger         *zap.Logger
	Metrics        *observability.Metrics
	Clock          func() time.Time
}

// NewAuthService builds the service. It hashes a decoy password up front so
// it fails fast on an unusable bcrypt cost. The decoy uses the configured
// cost, so stored hashes made at an older cost time differently until they
// are rehashed.
func NewAuthService(cfg config.Config, deps AuthDependencies) (*AuthService, error) {
	if deps.UserRepo == nil || deps.Tokens == nil {
		return nil, errors.New("auth service requires a user repository and a token codec")
	}

	decoy, err := auth.DecoyHash(cfg.Auth.BcryptCost)
	if err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	return &AuthService{
		users:       deps.UserRepo,
		revocations: deps.RevocationRepo,
		tokens:      deps.Tokens,
		dispatcher:  deps.Dispatcher,
		logger:      logger,
		metrics:     deps.Metrics,
		bcryptCost:  cfg.Auth.BcryptCost,
		decoyHash:   decoy,
		compare:     auth.ComparePassword,
		now:         now,
	}, nil
}

// Login checks credentials and issues an access token. Unknown identifiers
// still pay for a bcrypt comparison.
func (s *AuthService) Login(ctx context.Context, identifier, password string) (*LoginResult, error) {
	identifier = normalizeIdentifier(identifier)

	user, err := s.users.FindByIdentifier(ctx, identifier)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			s.metrics.RecordLogin(outcomeLabel(err))
			return nil, apperrors.NewServiceUnavailable(err)
		}
		_ = s.compare(s.decoyHash, password)
		return nil, s.loginFailed(ctx, identifier, "", &AuthError{Kind: ErrNotFound})
	}

	if err := s.compare(user.PasswordHash, password); err != nil {
		return nil, s.loginFailed(ctx, identifier, user.ID, &AuthError{Kind: ErrInvalidCredentials})
	}

	if !user.Active() {
		return nil, s.loginFailed(ctx, identifier, user.ID, &AuthError{
			Kind: ErrAccountNotActive,
			Err:  errors.New("status " + string(user.Status)),
		})
	}

	token, signed, err := s.tokens.Issue(user.ID, user.Role)
	if err != nil {
		s.metrics.RecordLogin(outcomeLabel(err))
		return nil, apperrors.NewInternalError(err)
	}

	loggedInAt := s.now()
	if err := s.users.UpdateLastLogin(ctx, user.ID, loggedInAt); err != nil {
		s.logger.Warn("failed to record last login", zap.String("subject_id", user.ID), zap.Error(err))
	} else {
		user.LastLogin = &loggedInAt
	}

	s.metrics.RecordLogin(outcomeLabel(nil))
	s.publish(ctx, events.NewEvent(events.EventLoginSucceeded, user.ID,
		events.Actor{SubjectID: user.ID, Role: user.Role}, loggedInAt, nil))

	return &LoginResult{User: user, Token: token, AccessToken: signed}, nil
}

func (s *AuthService) loginFailed(ctx context.Context, identifier, subjectID string, authErr *AuthError) error {
	outcome := outcomeLabel(authErr)
	s.metrics.RecordLogin(outcome)
	s.logger.Info("login rejected", zap.String("outcome", outcome), zap.String("subject_id", subjectID))
	s.publish(ctx, events.NewEvent(events.EventLoginFailed, subjectID, events.Actor{}, s.now(),
		events.LoginFailedPayload{Identifier: identifier, Reason: outcome}))
	return present(authErr)
}

// Register creates a student or teacher account. Students start active;
// teachers wait in pending until an admin approves them.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*domain.User, error) {
	var status domain.UserStatus
	switch in.Role {
	case domain.RoleStudent:
		status = domain.UserStatusActive
	case domain.RoleTeacher:
		status = domain.UserStatusPending
	case domain.RoleAdmin:
		return nil, apperrors.NewForbidden("admin accounts cannot be self-registered")
	default:
		return nil, apperrors.NewValidationError("invalid role", map[string]any{"role": in.Role})
	}

	hash, err := s.hashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	user := &domain.User{
		Identifier:   normalizeIdentifier(in.Identifier),
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		PasswordHash: hash,
		Role:         in.Role,
		Status:       status,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateIdentifier) {
			return nil, apperrors.NewConflict("identifier already registered", nil)
		}
		return nil, apperrors.MapError(err)
	}

	s.publish(ctx, events.NewEvent(events.EventUserRegistered, user.ID,
		events.Actor{SubjectID: user.ID, Role: user.Role}, s.now(),
		events.UserRegisteredPayload{Role: user.Role, Status: user.Status}))
	return user, nil
}

// Logout revokes the caller's token until it would have expired.
func (s *AuthService) Logout(ctx context.Context, principal *auth.Principal) error {
	if principal == nil {
		return apperrors.NewUnauthorized(auth.MsgInvalidToken)
	}
	if s.revocations == nil {
		return apperrors.NewServiceUnavailable(errors.New("revocation store not configured"))
	}

	ttl := principal.ExpiresAt.Sub(s.now())
	if err := s.revocations.Revoke(ctx, principal.TokenID, ttl); err != nil {
		return apperrors.NewServiceUnavailable(err)
	}

	s.publish(ctx, events.NewEvent(events.EventLoggedOut, principal.SubjectID,
		events.Actor{SubjectID: principal.SubjectID, Role: principal.Role}, s.now(),
		events.LoggedOutPayload{TokenID: principal.TokenID}))
	return nil
}

// Me returns the account behind the caller's token.
func (s *AuthService) Me(ctx context.Context, subjectID string) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, subjectID)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return user, nil
}

// ChangePassword verifies the current password before storing the new hash.
func (s *AuthService) ChangePassword(ctx context.Context, subjectID, currentPassword, newPassword string) error {
	user, err := s.users.GetByID(ctx, subjectID)
	if err != nil {
		return apperrors.MapError(err)
	}
	// 400, not 401: the session itself is valid.
	if err := s.compare(user.PasswordHash, currentPassword); err != nil {
		de := apperrors.NewDomainError(apperrors.CodeValidationFailed, MsgCurrentPasswordIncorrect, http.StatusBadRequest,
			map[string]any{"current_password": "is incorrect"})
		de.Err = &AuthError{Kind: ErrInvalidCredentials}
		return de
	}
	if currentPassword == newPassword {
		return apperrors.NewValidationError("new password must differ from the current one", nil)
	}

	hash, err := s.hashPassword(newPassword)
	if err != nil {
		return err
	}
	return apperrors.MapError(s.users.UpdatePassword(ctx, subjectID, hash))
}

// SetAccountStatus moves an account between active, suspended and pending.
// Authorization is enforced by the policy guard in front of the handler.
func (s *AuthService) SetAccountStatus(ctx context.Context, actor *auth.Principal, targetID string, status domain.UserStatus) (*domain.User, error) {
	if actor == nil {
		return nil, apperrors.NewUnauthorized(auth.MsgInvalidToken)
	}
	if !status.Valid() {
		return nil, apperrors.NewValidationError("invalid status", map[string]any{"status": status})
	}
	if actor.SubjectID == targetID {
		return nil, apperrors.NewValidationError("cannot change own account status", nil)
	}

	user, err := s.users.GetByID(ctx, targetID)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	if user.Status == status {
		return user, nil
	}

	if err := s.users.UpdateStatus(ctx, targetID, status); err != nil {
		return nil, apperrors.MapError(err)
	}

	oldStatus := user.Status
	user.Status = status
	s.publish(ctx, events.NewEvent(events.EventAccountStatusChanged, targetID,
		events.Actor{SubjectID: actor.SubjectID, Role: actor.Role}, s.now(),
		events.AccountStatusChangedPayload{OldStatus: oldStatus, NewStatus: status}))
	return user, nil
}

func (s *AuthService) publish(ctx context.Context, event events.Event) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Publish(ctx, event); err != nil {
		s.logger.Warn("event handler failed", zap.String("event_type", string(event.Type)), zap.Error(err))
	}
}

// hashPassword reports bcrypt's byte limit as a validation failure.
func (s *AuthService) hashPassword(password string) (string, error) {
	hash, err := auth.HashPassword(password, s.bcryptCost)
	if errors.Is(err, auth.ErrPasswordTooLong) {
		return "", apperrors.NewValidationError("password too long",
			map[string]any{"password": fmt.Sprintf("must be at most %d bytes", auth.MaxPasswordBytes)})
	}
	if err != nil {
		return "", apperrors.NewInternalError(err)
	}
	return hash, nil
}

func normalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}
