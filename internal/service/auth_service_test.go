package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	"github.com/spec-kit/tutoring-service/internal/auth"
	"github.com/spec-kit/tutoring-service/internal/config"
	"github.com/spec-kit/tutoring-service/internal/domain"
	"github.com/spec-kit/tutoring-service/internal/events"
	"github.com/spec-kit/tutoring-service/internal/repository"
	apperrors "github.com/spec-kit/tutoring-service/pkg/util"
)

const testCost = 4

type memoryUsers struct {
	mu            sync.Mutex
	byID          map[string]*domain.User
	nextID        int
	findErr       error
	lastLoginErr  error
	lastLoginCall int
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{byID: map[string]*domain.User{}}
}

func (m *memoryUsers) add(t *testing.T, id, identifier, password string, role domain.Role, status domain.UserStatus) {
	t.Helper()
	hash, err := auth.HashPassword(password, testCost)
	require.NoError(t, err)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[id] = &domain.User{ID: id, Identifier: identifier, PasswordHash: hash, Role: role, Status: status}
}

func (m *memoryUsers) Create(_ context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.Identifier == user.Identifier {
			return repository.ErrDuplicateIdentifier
		}
	}
	m.nextID++
	user.ID = fmt.Sprintf("gen-%d", m.nextID)
	copied := *user
	m.byID[user.ID] = &copied
	return nil
}

func (m *memoryUsers) GetByID(_ context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	copied := *u
	return &copied, nil
}

func (m *memoryUsers) FindByIdentifier(_ context.Context, identifier string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, u := range m.byID {
		if u.Identifier == identifier {
			copied := *u
			return &copied, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *memoryUsers) GetStatus(ctx context.Context, id string) (domain.UserStatus, error) {
	u, err := m.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return u.Status, nil
}

func (m *memoryUsers) UpdateLastLogin(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLoginCall++
	if m.lastLoginErr != nil {
		return m.lastLoginErr
	}
	u, ok := m.byID[id]
	if !ok {
		return pgx.ErrNoRows
	}
	u.LastLogin = &at
	return nil
}

func (m *memoryUsers) UpdatePassword(_ context.Context, id, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return pgx.ErrNoRows
	}
	u.PasswordHash = passwordHash
	return nil
}

func (m *memoryUsers) UpdateStatus(_ context.Context, id string, status domain.UserStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return pgx.ErrNoRows
	}
	u.Status = status
	return nil
}

type memoryRevocations struct {
	mu   sync.Mutex
	ttls map[string]time.Duration
	err  error
}

func (m *memoryRevocations) Revoke(_ context.Context, tokenID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.ttls[tokenID] = ttl
	return nil
}

func (m *memoryRevocations) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	_, ok := m.ttls[tokenID]
	return ok, nil
}

type fixture struct {
	svc         *AuthService
	users       *memoryUsers
	revocations *memoryRevocations
	codec       *auth.TokenCodec
	published   *[]events.Event
	now         time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	codec, err := auth.NewTokenCodec([]byte("0123456789abcdef0123456789abcdef"), time.Hour, auth.WithClock(clock))
	require.NoError(t, err)

	users := newMemoryUsers()
	revocations := &memoryRevocations{ttls: map[string]time.Duration{}}

	dispatcher := events.NewInMemoryDispatcher()
	published := &[]events.Event{}
	for _, et := range events.AllEventTypes {
		dispatcher.Subscribe(et, func(_ context.Context, e events.Event) error {
			*published = append(*published, e)
			return nil
		})
	}

	svc, err := NewAuthService(config.Config{Auth: config.AuthConfig{BcryptCost: testCost}}, AuthDependencies{
		UserRepo:       users,
		RevocationRepo: revocations,
		Tokens:         codec,
		Dispatcher:     dispatcher,
		Clock:          clock,
	})
	require.NoError(t, err)

	return &fixture{svc: svc, users: users, revocations: revocations, codec: codec, published: published, now: now}
}

func (f *fixture) eventTypes() []events.EventType {
	types := make([]events.EventType, 0, len(*f.published))
	for _, e := range *f.published {
		types = append(types, e.Type)
	}
	return types
}

func TestLogin_StudentScenarioThroughGate(t *testing.T) {
	f := newFixture(t)
	f.users.add(t, "u1", "u1", "correct horse", domain.RoleStudent, domain.UserStatusActive)

	res, err := f.svc.Login(context.Background(), "u1", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleStudent, res.Token.Role)
	assert.Equal(t, "u1", res.Token.SubjectID)

	verified, err := f.codec.Verify(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", verified.SubjectID)
	assert.Equal(t, domain.RoleStudent, verified.Role)

	gate := auth.NewAuthMiddleware(f.codec, f.users, auth.MiddlewareDependencies{Revocations: f.revocations})
	principal, err := gate.Authenticate(context.Background(), "Bearer "+res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", principal.SubjectID)
	assert.Equal(t, domain.RoleStudent, principal.Role)

	_, err = gate.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, auth.ErrGateMissingHeader)
}

func TestLogin_RecordsLastLogin(t *testing.T) {
	f := newFixture(t)
	f.users.add(t, "u1", "u1@example.com", "pw-123456", domain.RoleStudent, domain.UserStatusActive)

	res, err := f.svc.Login(context.Background(), "  U1@Example.com ", "pw-123456")
	require.NoError(t, err)
	require.NotNil(t, res.User.LastLogin)
	assert.True(t, f.now.Equal(*res.User.LastLogin))

	stored, err := f.users.GetByID(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, stored.LastLogin)
	assert.Equal(t, []events.EventType{events.EventLoginSucceeded}, f.eventTypes())
}

func TestLogin_LastLoginFailureDoesNotFailLogin(t *testing.T) {
	f := newFixture(t)
	f.users.add(t, "u1", "u1", "pw-123456", domain.RoleStudent, domain.UserStatusActive)
	f.users.lastLoginErr = errors.New("write timeout")

	res, err := f.svc.Login(context.Background(), "u1", "pw-123456")
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.Nil(t, res.User.LastLogin)
	assert.Equal(t, 1, f.users.lastLoginCall)
}

func TestLogin_NotFoundAndWrongPasswordPresentIdentically(t *testing.T) {
	f := newFixture(t)
	f.users.add(t, "u1", "u1", "pw-123456", domain.RoleStudent, domain.UserStatusActive)

	_, notFound := f.svc.Login(context.Background(), "ghost", "pw-123456")
	_, wrongPw := f.svc.Login(context.Background(), "u1", "nope")

	require.Error(t, notFound)
	require.Error(t, wrongPw)
	assert.ErrorIs(t, notFound, ErrNotFound)
	assert.ErrorIs(t, wrongPw, ErrInvalidCredentials)

	a, b := apperrors.ToDomainError(notFound), apperrors.ToDomainError(wrongPw)
	assert.Equal(t, a.HTTPStatus, b.HTTPStatus)
	assert.Equal(t, a.Code, b.Code)
	assert.Equal(t, a.Message, b.Message)
	assert.Equal(t, http.StatusUnauthorized, a.HTTPStatus)
	assert.Equal(t, MsgInvalidCredentials, a.Message)

	assert.Equal(t, []events.EventType{events.EventLoginFailed, events.EventLoginFailed}, f.eventTypes())
}

func TestLogin_UnknownIdentifierComparesAgainstDecoy(t *testing.T) {
	f := newFixture(t)
	f.users.add(t, "u1", "u1", "pw-123456", domain.RoleStudent, domain.UserStatusActive)
	stored, err := f.users.GetByID(context.Background(), "u1")
	require.NoError(t, err)

	var hashes []string
	f.svc.compare = func(hashed, plain string) error {
		hashes = append(hashes, hashed)
		return auth.ComparePassword(hashed, plain)
	}

	_, err = f.svc.Login(context.Background(), "ghost", "pw-123456")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Login(context.Background(), "u1", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	require.Len(t, hashes, 2, "both failure paths run exactly one bcrypt comparison")
	assert.Equal(t, f.svc.decoyHash, hashes[0])
	assert.Equal(t, stored.PasswordHash, hashes[1])

	decoyCost, err := bcrypt.Cost([]byte(hashes[0]))
	require.NoError(t, err)
	storedCost, err := bcrypt.Cost([]byte(hashes[1]))
	require.NoError(t, err)
	assert.Equal(t, storedCost, decoyCost)
}

func TestLogin_NotFoundTakesAsLongAsWrongPassword(t *testing.T) {
	if testing.Short() {
		t.Skip("bcrypt timing comparison")
	}
	const cost = 10

	users := newMemoryUsers()
	hash, err := auth.HashPassword("pw-123456", cost)
	require.NoError(t, err)
	users.byID["u1"] = &domain.User{ID: "u1", Identifier: "u1", PasswordHash: hash, Role: domain.RoleStudent, Status: domain.UserStatusActive}

	codec, err := auth.NewTokenCodec([]byte("0123456789abcdef0123456789abcdef"), time.Hour)
	require.NoError(t, err)
	svc, err := NewAuthService(config.Config{Auth: config.AuthConfig{BcryptCost: cost}}, AuthDependencies{UserRepo: users, Tokens: codec})
	require.NoError(t, err)

	measure := func(identifier string) time.Duration {
		start := time.Now()
		_, err := svc.Login(context.Background(), identifier, "wrong-password")
		require.Error(t, err)
		return time.Since(start)
	}

	var notFound, wrong time.Duration
	for i := 0; i < 3; i++ {
		notFound += measure("ghost")
		wrong += measure("u1")
	}

	ratio := float64(notFound) / float64(wrong)
	assert.InDelta(t, 1.0, ratio, 0.5, "not-found %v vs wrong-password %v", notFound, wrong)
}

func TestLogin_InactiveAccounts(t *testing.T) {
	f := newFixture(t)
	f.users.add(t, "s1", "s1", "pw-123456", domain.RoleStudent, domain.UserStatusSuspended)
	f.users.add(t, "t1", "t1", "pw-123456", domain.RoleTeacher, domain.UserStatusPending)

	for _, id := range []string{"s1", "t1"} {
		_, err := f.svc.Login(context.Background(), id, "pw-123456")
		assert.ErrorIs(t, err, ErrAccountNotActive, id)
		assert.Equal(t, http.StatusForbidden, apperrors.ToDomainError(err).HTTPStatus)
	}

	_, err := f.svc.Login(context.Background(), "s1", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials, "status is only revealed after the password matches")
}

func TestLogin_StoreFailure(t *testing.T) {
	f := newFixture(t)
	f.users.findErr = errors.New("connection reset")

	_, err := f.svc.Login(context.Background(), "u1", "pw")
	de := apperrors.ToDomainError(err)
	assert.Equal(t, http.StatusServiceUnavailable, de.HTTPStatus)
	assert.NotContains(t, de.Message, "connection reset")
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	student, err := f.svc.Register(ctx, RegisterInput{Identifier: "Ann@Example.com", Password: "pw-123456", Role: domain.RoleStudent})
	require.NoError(t, err)
	assert.Equal(t, domain.UserStatusActive, student.Status)
	assert.Equal(t, "ann@example.com", student.Identifier)
	assert.NotEqual(t, "pw-123456", student.PasswordHash)

	teacher, err := f.svc.Register(ctx, RegisterInput{Identifier: "bob@example.com", Password: "pw-123456", Role: domain.RoleTeacher})
	require.NoError(t, err)
	assert.Equal(t, domain.UserStatusPending, teacher.Status)

	_, err = f.svc.Register(ctx, RegisterInput{Identifier: "eve@example.com", Password: "pw-123456", Role: domain.RoleAdmin})
	assert.Equal(t, http.StatusForbidden, apperrors.ToDomainError(err).HTTPStatus)

	_, err = f.svc.Register(ctx, RegisterInput{Identifier: "x@example.com", Password: "pw-123456", Role: "guest"})
	assert.Equal(t, http.StatusBadRequest, apperrors.ToDomainError(err).HTTPStatus)

	_, err = f.svc.Register(ctx, RegisterInput{Identifier: "ann@example.com", Password: "pw-123456", Role: domain.RoleStudent})
	assert.Equal(t, http.StatusConflict, apperrors.ToDomainError(err).HTTPStatus)

	_, err = f.svc.Login(ctx, "ann@example.com", "pw-123456")
	assert.NoError(t, err)
	_, err = f.svc.Login(ctx, "bob@example.com", "pw-123456")
	assert.ErrorIs(t, err, ErrAccountNotActive)
}

func TestLogout_RevokesForRemainingLifetime(t *testing.T) {
	f := newFixture(t)
	f.users.add(t, "u1", "u1", "pw-123456", domain.RoleStudent, domain.UserStatusActive)
	ctx := context.Background()

	res, err := f.svc.Login(ctx, "u1", "pw-123456")
	require.NoError(t, err)

	gate := auth.NewAuthMiddleware(f.codec, f.users, auth.MiddlewareDependencies{Revocations: f.revocations})
	principal, err := gate.Authenticate(ctx, "Bearer "+res.AccessToken)
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, principal))
	assert.Equal(t, time.Hour, f.revocations.ttls[res.Token.ID])

	_, err = gate.Authenticate(ctx, "Bearer "+res.AccessToken)
	assert.ErrorIs(t, err, auth.ErrGateUnauthenticated)

	f.revocations.err = errors.New("redis down")
	err = f.svc.Logout(ctx, principal)
	assert.Equal(t, http.StatusServiceUnavailable, apperrors.ToDomainError(err).HTTPStatus)
}

func TestMe(t *testing.T) {
	f := newFixture(t)
	f.users.add(t, "u1", "u1", "pw-123456", domain.RoleStudent, domain.UserStatusActive)

	user, err := f.svc.Me(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.Identifier)

	_, err = f.svc.Me(context.Background(), "ghost")
	assert.Equal(t, http.StatusNotFound, apperrors.ToDomainError(err).HTTPStatus)
}

func TestRegister_PasswordOverByteLimitIsValidationError(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Register(context.Background(), RegisterInput{
		Identifier: "accent@example.com", Password: strings.Repeat("é", 40), Role: domain.RoleStudent,
	})
	de := apperrors.ToDomainError(err)
	assert.Equal(t, http.StatusBadRequest, de.HTTPStatus)
	assert.Equal(t, apperrors.CodeValidationFailed, de.Code)
	assert.Equal(t, "must be at most 72 bytes", de.Details["password"])
	assert.Empty(t, f.eventTypes())
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	f.users.add(t, "u1", "u1", "old-password", domain.RoleStudent, domain.UserStatusActive)
	ctx := context.Background()

	err := f.svc.ChangePassword(ctx, "u1", "wrong", "new-password")
	de := apperrors.ToDomainError(err)
	assert.Equal(t, http.StatusBadRequest, de.HTTPStatus, "a wrong current password must not look like a dead session")
	assert.Equal(t, MsgCurrentPasswordIncorrect, de.Message)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	err = f.svc.ChangePassword(ctx, "u1", "old-password", strings.Repeat("é", 40))
	assert.Equal(t, http.StatusBadRequest, apperrors.ToDomainError(err).HTTPStatus)

	err = f.svc.ChangePassword(ctx, "u1", "old-password", "old-password")
	assert.Equal(t, http.StatusBadRequest, apperrors.ToDomainError(err).HTTPStatus)

	require.NoError(t, f.svc.ChangePassword(ctx, "u1", "old-password", "new-password"))

	_, err = f.svc.Login(ctx, "u1", "old-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.svc.Login(ctx, "u1", "new-password")
	assert.NoError(t, err)
}

func TestSetAccountStatus(t *testing.T) {
	f := newFixture(t)
	f.users.add(t, "a1", "admin", "pw-123456", domain.RoleAdmin, domain.UserStatusActive)
	f.users.add(t, "t1", "teacher", "pw-123456", domain.RoleTeacher, domain.UserStatusPending)
	admin := &auth.Principal{SubjectID: "a1", Role: domain.RoleAdmin}
	ctx := context.Background()

	user, err := f.svc.SetAccountStatus(ctx, admin, "t1", domain.UserStatusActive)
	require.NoError(t, err)
	assert.Equal(t, domain.UserStatusActive, user.Status)

	require.Len(t, *f.published, 1)
	e := (*f.published)[0]
	assert.Equal(t, events.EventAccountStatusChanged, e.Type)
	assert.Equal(t, "t1", e.SubjectID)
	assert.Equal(t, "a1", e.Actor.SubjectID)
	assert.Equal(t, events.AccountStatusChangedPayload{OldStatus: domain.UserStatusPending, NewStatus: domain.UserStatusActive}, e.Payload)

	_, err = f.svc.SetAccountStatus(ctx, admin, "t1", domain.UserStatusActive)
	require.NoError(t, err)
	assert.Len(t, *f.published, 1, "no-op transitions publish nothing")

	_, err = f.svc.SetAccountStatus(ctx, admin, "t1", "archived")
	assert.Equal(t, http.StatusBadRequest, apperrors.ToDomainError(err).HTTPStatus)

	_, err = f.svc.SetAccountStatus(ctx, admin, "a1", domain.UserStatusSuspended)
	assert.Equal(t, http.StatusBadRequest, apperrors.ToDomainError(err).HTTPStatus)

	_, err = f.svc.SetAccountStatus(ctx, admin, "ghost", domain.UserStatusSuspended)
	assert.Equal(t, http.StatusNotFound, apperrors.ToDomainError(err).HTTPStatus)
}

func TestSuspensionAfterIssuanceIsRejectedByGate(t *testing.T) {
	f := newFixture(t)
	f.users.add(t, "a1", "admin", "pw-123456", domain.RoleAdmin, domain.UserStatusActive)
	f.users.add(t, "u1", "u1", "pw-123456", domain.RoleStudent, domain.UserStatusActive)
	ctx := context.Background()

	res, err := f.svc.Login(ctx, "u1", "pw-123456")
	require.NoError(t, err)

	_, err = f.svc.SetAccountStatus(ctx, &auth.Principal{SubjectID: "a1", Role: domain.RoleAdmin}, "u1", domain.UserStatusSuspended)
	require.NoError(t, err)

	_, err = f.codec.Verify(res.AccessToken)
	require.NoError(t, err)

	gate := auth.NewAuthMiddleware(f.codec, f.users, auth.MiddlewareDependencies{})
	_, err = gate.Authenticate(ctx, "Bearer "+res.AccessToken)
	assert.ErrorIs(t, err, auth.ErrGateAccountNotActive)
}

func TestAuditService_LogsEvents(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	dispatcher := events.NewInMemoryDispatcher()
	NewAuditService(dispatcher, zap.New(core)).RegisterHandlers()

	ctx := context.Background()
	require.NoError(t, dispatcher.Publish(ctx, events.NewEvent(events.EventLoginSucceeded, "u1",
		events.Actor{SubjectID: "u1", Role: domain.RoleStudent}, time.Now(), nil)))
	require.NoError(t, dispatcher.Publish(ctx, events.NewEvent(events.EventLoginFailed, "",
		events.Actor{}, time.Now(), events.LoginFailedPayload{Identifier: "ghost", Reason: "not_found"})))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "login_succeeded", entries[0].ContextMap()["event_type"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.NotContains(t, entries[1].ContextMap(), "actor_id")
}
