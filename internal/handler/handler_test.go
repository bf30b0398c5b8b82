package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/honeynil/TokenAuthService/internal/models"
	"github.com/honeynil/TokenAuthService/internal/repository"
	service "github.com/honeynil/TokenAuthService/internal/services"
	pkgerrors "github.com/honeynil/TokenAuthService/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockTokens struct {
	mock.Mock
}

func (m *mockTokens) IssuePair(ctx context.Context, subject string) (*models.TokenPair, error) {
	args := m.Called(ctx, subject)
	pair, _ := args.Get(0).(*models.TokenPair)
	return pair, args.Error(1)
}

func (m *mockTokens) Verify(ctx context.Context, q repository.DBTX, raw string, expected models.TokenType, checkRevocation bool) (*models.Token, error) {
	args := m.Called(ctx, q, raw, expected, checkRevocation)
	token, _ := args.Get(0).(*models.Token)
	return token, args.Error(1)
}

func (m *mockTokens) RotateRefresh(ctx context.Context, q repository.DBTX, raw string) (*models.TokenPair, error) {
	args := m.Called(ctx, q, raw)
	pair, _ := args.Get(0).(*models.TokenPair)
	return pair, args.Error(1)
}

func (m *mockTokens) Revoke(ctx context.Context, q repository.DBTX, jti uuid.UUID, userID string, tokenType models.TokenType, expiresAt time.Time, reason models.RevocationReason) error {
	return m.Called(ctx, q, jti, userID, tokenType, expiresAt, reason).Error(0)
}

type mockAuth struct {
	mock.Mock
}

func (m *mockAuth) Authenticate(ctx context.Context, userID, password string) (*models.User, error) {
	args := m.Called(ctx, userID, password)
	user, _ := args.Get(0).(*models.User)
	return user, args.Error(1)
}

func (m *mockAuth) Login(ctx context.Context, userID, password, clientIP string) (*models.TokenPair, error) {
	args := m.Called(ctx, userID, password, clientIP)
	pair, _ := args.Get(0).(*models.TokenPair)
	return pair, args.Error(1)
}

func (m *mockAuth) CurrentUser(ctx context.Context, q repository.DBTX, rawAccess string) (*models.User, error) {
	args := m.Called(ctx, q, rawAccess)
	user, _ := args.Get(0).(*models.User)
	return user, args.Error(1)
}

func (m *mockAuth) RegisterStudent(ctx context.Context, input service.RegisterStudentInput) (*models.User, error) {
	args := m.Called(ctx, input)
	user, _ := args.Get(0).(*models.User)
	return user, args.Error(1)
}

type mockBroker struct {
	mock.Mock
}

func (m *mockBroker) AuthorizeUser(ctx context.Context, username, password string) (models.BrokerDecision, error) {
	args := m.Called(ctx, username, password)
	return args.Get(0).(models.BrokerDecision), args.Error(1)
}

func (m *mockBroker) AuthorizeVhost(ctx context.Context, req service.BrokerPermissionRequest) models.BrokerDecision {
	return m.Called(ctx, req).Get(0).(models.BrokerDecision)
}

func (m *mockBroker) AuthorizeResource(ctx context.Context, req service.BrokerPermissionRequest) models.BrokerDecision {
	return m.Called(ctx, req).Get(0).(models.BrokerDecision)
}

func (m *mockBroker) AuthorizeTopic(ctx context.Context, req service.BrokerPermissionRequest) models.BrokerDecision {
	return m.Called(ctx, req).Get(0).(models.BrokerDecision)
}

type fakeTx struct {
	units int
}

func (f *fakeTx) WithinTx(ctx context.Context, fn func(ctx context.Context, q repository.DBTX) error) error {
	f.units++
	return fn(ctx, nil)
}

type fixture struct {
	router http.Handler
	tokens *mockTokens
	auth   *mockAuth
	broker *mockBroker
	tx     *fakeTx
	sql    sqlmock.Sqlmock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{tokens: &mockTokens{}, auth: &mockAuth{}, broker: &mockBroker{}, tx: &fakeTx{}, sql: sqlMock}
	r := mux.NewRouter()
	NewHandler(f.tokens, f.auth, f.broker, f.tx, db).RegisterRoutes(r)
	f.router = r
	return f
}

func (f *fixture) do(r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, r)
	return rec
}

func form(method, target string, values url.Values) *http.Request {
	r := httptest.NewRequest(method, target, strings.NewReader(values.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func TestLogin(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		f := newFixture(t)
		pair := models.NewTokenPair("acc", "ref")
		f.auth.On("Login", mock.Anything, "2024001", "pw", "10.1.1.1").Return(pair, nil)

		r := form(http.MethodPost, "/auth/token", url.Values{"username": {"2024001"}, "password": {"pw"}})
		r.Header.Set("X-Forwarded-For", "10.1.1.1, 172.16.0.1")
		rec := f.do(r)

		assert.Equal(t, http.StatusOK, rec.Code)
		var got models.TokenPair
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, "acc", got.AccessToken)
		assert.Equal(t, "ref", got.RefreshToken)
		assert.Equal(t, "bearer", got.TokenType)
	})

	for name, err := range map[string]error{
		"BadCredentials": pkgerrors.ErrInvalidCredentials,
		"Disabled":       pkgerrors.ErrUserDisabled,
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.auth.On("Login", mock.Anything, "2024001", "pw", mock.Anything).Return(nil, err)

			rec := f.do(form(http.MethodPost, "/auth/token", url.Values{"username": {"2024001"}, "password": {"pw"}}))
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
			assert.JSONEq(t, `{"error":"Incorrect username or password"}`, rec.Body.String())
		})
	}

	t.Run("StoreFailure", func(t *testing.T) {
		f := newFixture(t)
		f.auth.On("Login", mock.Anything, "2024001", "pw", mock.Anything).Return(nil, pkgerrors.ErrStoreUnavailable)

		rec := f.do(form(http.MethodPost, "/auth/token", url.Values{"username": {"2024001"}, "password": {"pw"}}))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "store")
	})

	t.Run("MissingFields", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(form(http.MethodPost, "/auth/token", url.Values{"username": {"2024001"}}))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		f.auth.AssertNotCalled(t, "Login", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestRefresh(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		f := newFixture(t)
		f.tokens.On("RotateRefresh", mock.Anything, nil, "ref").Return(models.NewTokenPair("acc2", "ref2"), nil)

		rec := f.do(form(http.MethodPost, "/auth/refresh", url.Values{"refresh_token": {"ref"}}))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "acc2")
		assert.Equal(t, 1, f.tx.units)
	})

	t.Run("Rejected", func(t *testing.T) {
		f := newFixture(t)
		f.tokens.On("RotateRefresh", mock.Anything, nil, "ref").Return(nil, nil)

		rec := f.do(form(http.MethodPost, "/auth/refresh", url.Values{"refresh_token": {"ref"}}))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
	})

	t.Run("LostRotationRace", func(t *testing.T) {
		f := newFixture(t)
		f.tokens.On("RotateRefresh", mock.Anything, nil, "ref").Return(nil, pkgerrors.ErrDuplicateRevocation)

		rec := f.do(form(http.MethodPost, "/auth/refresh", url.Values{"refresh_token": {"ref"}}))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("StoreFailure", func(t *testing.T) {
		f := newFixture(t)
		f.tokens.On("RotateRefresh", mock.Anything, nil, "ref").Return(nil, pkgerrors.ErrStoreUnavailable)

		rec := f.do(form(http.MethodPost, "/auth/refresh", url.Values{"refresh_token": {"ref"}}))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("MissingToken", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(form(http.MethodPost, "/auth/refresh", url.Values{}))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestLogout(t *testing.T) {
	exp := time.Date(2025, 3, 10, 9, 15, 0, 0, time.UTC)
	access := &models.Token{Subject: "2024001", JTI: uuid.New(), Type: models.TokenTypeAccess, ExpiresAt: exp}
	refresh := &models.Token{Subject: "2024001", JTI: uuid.New(), Type: models.TokenTypeRefresh, ExpiresAt: exp.Add(30 * 24 * time.Hour)}

	logout := func(bearer string) *http.Request {
		r := form(http.MethodPost, "/auth/logout", url.Values{"refresh_token": {"ref"}})
		if bearer != "" {
			r.Header.Set("Authorization", "Bearer "+bearer)
		}
		return r
	}

	t.Run("RevokesBoth", func(t *testing.T) {
		f := newFixture(t)
		f.tokens.On("Verify", mock.Anything, nil, "acc", models.TokenTypeAccess, true).Return(access, nil)
		f.tokens.On("Verify", mock.Anything, nil, "ref", models.TokenTypeRefresh, true).Return(refresh, nil)
		f.tokens.On("Revoke", mock.Anything, nil, access.JTI, "2024001", models.TokenTypeAccess, access.ExpiresAt, models.ReasonLogout).Return(nil)
		f.tokens.On("Revoke", mock.Anything, nil, refresh.JTI, "2024001", models.TokenTypeRefresh, refresh.ExpiresAt, models.ReasonLogout).Return(nil)

		rec := f.do(logout("acc"))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"message":"Successfully logged out"}`, rec.Body.String())
		assert.Equal(t, 2, f.tx.units)
		f.tokens.AssertExpectations(t)
	})

	t.Run("AlreadyRevokedStillSucceeds", func(t *testing.T) {
		f := newFixture(t)
		f.tokens.On("Verify", mock.Anything, nil, "acc", models.TokenTypeAccess, true).Return(nil, nil)
		f.tokens.On("Verify", mock.Anything, nil, "ref", models.TokenTypeRefresh, true).Return(refresh, nil)
		f.tokens.On("Revoke", mock.Anything, nil, refresh.JTI, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(pkgerrors.ErrDuplicateRevocation)

		rec := f.do(logout("acc"))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("StoreFailure", func(t *testing.T) {
		f := newFixture(t)
		f.tokens.On("Verify", mock.Anything, nil, "acc", models.TokenTypeAccess, true).Return(nil, pkgerrors.ErrStoreUnavailable)
		f.tokens.On("Verify", mock.Anything, nil, "ref", models.TokenTypeRefresh, true).Return(refresh, nil)
		f.tokens.On("Revoke", mock.Anything, nil, refresh.JTI, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

		rec := f.do(logout("acc"))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		f.tokens.AssertExpectations(t)
	})

	t.Run("NoBearer", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(logout(""))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
		assert.Zero(t, f.tx.units)
	})
}

func TestMe(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		f := newFixture(t)
		f.auth.On("CurrentUser", mock.Anything, mock.Anything, "acc").
			Return(&models.User{UserID: "2024001", Name: "Li Lei", PasswordHash: "secret-hash", Status: models.UserEnabled}, nil)

		r := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
		r.Header.Set("Authorization", "Bearer acc")
		rec := f.do(r)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"user_id":"2024001"`)
		assert.NotContains(t, rec.Body.String(), "secret-hash")
	})

	t.Run("Rejected", func(t *testing.T) {
		f := newFixture(t)
		f.auth.On("CurrentUser", mock.Anything, mock.Anything, "acc").Return(nil, nil)

		r := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
		r.Header.Set("Authorization", "Bearer acc")
		rec := f.do(r)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestRegisterStudent(t *testing.T) {
	body := `{"user_id":"2024002","password":"secret","name":"Han Meimei","gender":"F","birthdate":"2005-09-01","stu_type":"UNDERGRADUATE","grade":1}`

	t.Run("Created", func(t *testing.T) {
		f := newFixture(t)
		f.auth.On("RegisterStudent", mock.Anything, mock.MatchedBy(func(in service.RegisterStudentInput) bool {
			return in.UserID == "2024002" && in.Gender == models.Gender("F") &&
				in.Birthdate != nil && in.Birthdate.Equal(time.Date(2005, 9, 1, 0, 0, 0, 0, time.UTC))
		})).Return(&models.User{UserID: "2024002"}, nil)

		rec := f.do(httptest.NewRequest(http.MethodPost, "/api/users/student", strings.NewReader(body)))
		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.JSONEq(t, `{"message":"User created successfully","user_id":"2024002"}`, rec.Body.String())
	})

	t.Run("Duplicate", func(t *testing.T) {
		f := newFixture(t)
		f.auth.On("RegisterStudent", mock.Anything, mock.Anything).Return(nil, pkgerrors.ErrUserAlreadyExists)

		rec := f.do(httptest.NewRequest(http.MethodPost, "/api/users/student", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Username already exists", rec.Header().Get("X-Error"))
	})

	invalid := map[string]string{
		"NotJSON":       `{`,
		"MissingName":   `{"user_id":"2024002","password":"secret"}`,
		"BadGender":     `{"user_id":"2024002","password":"secret","name":"x","gender":"X"}`,
		"BadBirthdate":  `{"user_id":"2024002","password":"secret","name":"x","birthdate":"01/09/2005"}`,
		"UserIDTooLong": `{"user_id":"123456789012345678901","password":"secret","name":"x"}`,
	}
	for name, payload := range invalid {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(httptest.NewRequest(http.MethodPost, "/api/users/student", strings.NewReader(payload)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			f.auth.AssertNotCalled(t, "RegisterStudent", mock.Anything, mock.Anything)
		})
	}
}

func TestBrokerEndpoints(t *testing.T) {
	t.Run("User", func(t *testing.T) {
		f := newFixture(t)
		f.broker.On("AuthorizeUser", mock.Anything, "root", "pw").Return(models.BrokerAllowManagement, nil)

		rec := f.do(form(http.MethodPost, "/api/rabbitmq/auth/user", url.Values{"username": {"root"}, "password": {"pw"}}))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "allow management", rec.Body.String())
		assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
	})

	t.Run("UserStoreFailure", func(t *testing.T) {
		f := newFixture(t)
		f.broker.On("AuthorizeUser", mock.Anything, "root", "pw").Return(models.BrokerDeny, errors.New("db down"))

		rec := f.do(form(http.MethodPost, "/api/rabbitmq/auth/user", url.Values{"username": {"root"}, "password": {"pw"}}))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	for _, ep := range []struct {
		path   string
		method string
	}{
		{"/api/rabbitmq/auth/vhost", "AuthorizeVhost"},
		{"/api/rabbitmq/auth/resource", "AuthorizeResource"},
		{"/api/rabbitmq/auth/topic", "AuthorizeTopic"},
	} {
		t.Run(ep.method, func(t *testing.T) {
			f := newFixture(t)
			f.broker.On(ep.method, mock.Anything, mock.MatchedBy(func(req service.BrokerPermissionRequest) bool {
				return req.Username == "2024001" && req.Vhost == "/"
			})).Return(models.BrokerAllow)

			rec := f.do(form(http.MethodPost, ep.path, url.Values{"username": {"2024001"}, "vhost": {"/"}}))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "allow", rec.Body.String())
		})
	}
}

func TestHealth(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		f := newFixture(t)
		f.sql.ExpectExec("SELECT 1").WillReturnResult(sqlmock.NewResult(0, 0))

		rec := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NoError(t, f.sql.ExpectationsWereMet())
	})

	t.Run("DatabaseDown", func(t *testing.T) {
		f := newFixture(t)
		f.sql.ExpectExec("SELECT 1").WillReturnError(errors.New("connection refused"))

		rec := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.10:52100"
	assert.Equal(t, "192.0.2.10", ClientIP(r))

	r.Header.Set("X-Forwarded-For", " 203.0.113.5 , 10.0.0.1")
	assert.Equal(t, "203.0.113.5", ClientIP(r))

	r.Header.Del("X-Forwarded-For")
	r.RemoteAddr = "unix-socket"
	assert.Equal(t, "unix-socket", ClientIP(r))
}
