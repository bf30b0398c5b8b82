package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/honeynil/TokenAuthService/internal/infrastructure/auth"
	"github.com/honeynil/TokenAuthService/internal/models"
	"github.com/honeynil/TokenAuthService/internal/repository"
	service "github.com/honeynil/TokenAuthService/internal/services"
	pkgerrors "github.com/honeynil/TokenAuthService/pkg/errors"
)

type BrokerAuthorizer interface {
	AuthorizeUser(ctx context.Context, username, password string) (models.BrokerDecision, error)
	AuthorizeVhost(ctx context.Context, req service.BrokerPermissionRequest) models.BrokerDecision
	AuthorizeResource(ctx context.Context, req service.BrokerPermissionRequest) models.BrokerDecision
	AuthorizeTopic(ctx context.Context, req service.BrokerPermissionRequest) models.BrokerDecision
}

type Handler struct {
	tokens   service.TokenService
	auth     service.AuthService
	broker   BrokerAuthorizer
	tx       repository.Transactor
	db       repository.DBTX
	validate *validator.Validate
}

func NewHandler(tokens service.TokenService, authService service.AuthService, broker BrokerAuthorizer, tx repository.Transactor, db repository.DBTX) *Handler {
	return &Handler{
		tokens:   tokens,
		auth:     authService,
		broker:   broker,
		tx:       tx,
		db:       db,
		validate: validator.New(),
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

// internalError hides store details from the client.
func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	h.writeError(w, http.StatusInternalServerError, errors.New("internal server error"))
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/auth/token", h.Login).Methods(http.MethodPost)
	r.HandleFunc("/auth/refresh", h.Refresh).Methods(http.MethodPost)
	r.Handle("/auth/logout", auth.RequireBearer(http.HandlerFunc(h.Logout))).Methods(http.MethodPost)
	r.Handle("/auth/me", auth.RequireBearer(http.HandlerFunc(h.Me))).Methods(http.MethodGet)

	r.HandleFunc("/api/users/student", h.RegisterStudent).Methods(http.MethodPost)

	broker := r.PathPrefix("/api/rabbitmq/auth").Subrouter()
	broker.HandleFunc("/user", h.BrokerUser).Methods(http.MethodPost)
	broker.HandleFunc("/vhost", h.BrokerVhost).Methods(http.MethodPost)
	broker.HandleFunc("/resource", h.BrokerResource).Methods(http.MethodPost)
	broker.HandleFunc("/topic", h.BrokerTopic).Methods(http.MethodPost)

	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	username, password := r.PostForm.Get("username"), r.PostForm.Get("password")
	if username == "" || password == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("username and password are required"))
		return
	}

	pair, err := h.auth.Login(r.Context(), username, password, ClientIP(r))
	if err != nil {
		if errors.Is(err, pkgerrors.ErrInvalidCredentials) || errors.Is(err, pkgerrors.ErrUserDisabled) {
			auth.Unauthorized(w, "Incorrect username or password")
		} else {
			h.internalError(w, r, err)
		}
		return
	}
	h.writeJSON(w, http.StatusOK, pair)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	raw := r.PostForm.Get("refresh_token")
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("refresh_token is required"))
		return
	}

	var pair *models.TokenPair
	err := h.tx.WithinTx(r.Context(), func(ctx context.Context, q repository.DBTX) error {
		var err error
		pair, err = h.tokens.RotateRefresh(ctx, q, raw)
		return err
	})
	switch {
	case errors.Is(err, pkgerrors.ErrDuplicateRevocation):
		auth.Unauthorized(w, "Invalid or expired refresh token")
	case err != nil:
		h.internalError(w, r, err)
	case pair == nil:
		auth.Unauthorized(w, "Invalid or expired refresh token")
	default:
		h.writeJSON(w, http.StatusOK, pair)
	}
}

// Logout revokes the presented access and refresh tokens, each in its own unit of
// work. Tokens that fail verification are skipped, and a token someone else revoked
// first counts as revoked.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	access, _ := auth.RawTokenFromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	refresh := r.PostForm.Get("refresh_token")
	if refresh == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("refresh_token is required"))
		return
	}

	var failed error
	for _, t := range []struct {
		raw       string
		tokenType models.TokenType
	}{
		{access, models.TokenTypeAccess},
		{refresh, models.TokenTypeRefresh},
	} {
		err := h.revoke(r.Context(), t.raw, t.tokenType)
		if errors.Is(err, pkgerrors.ErrDuplicateRevocation) {
			slog.Info("token already revoked during logout", "token_type", t.tokenType)
			continue
		}
		if err != nil {
			failed = errors.Join(failed, err)
		}
	}
	if failed != nil {
		h.internalError(w, r, failed)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully logged out"})
}

func (h *Handler) revoke(ctx context.Context, raw string, tokenType models.TokenType) error {
	return h.tx.WithinTx(ctx, func(ctx context.Context, q repository.DBTX) error {
		token, err := h.tokens.Verify(ctx, q, raw, tokenType, true)
		if err != nil || token == nil {
			return err
		}
		return h.tokens.Revoke(ctx, q, token.JTI, token.Subject, token.Type, token.ExpiresAt, models.ReasonLogout)
	})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	raw, _ := auth.RawTokenFromContext(r.Context())
	user, err := h.auth.CurrentUser(r.Context(), h.db, raw)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if user == nil {
		auth.Unauthorized(w, "Could not validate credentials")
		return
	}
	h.writeJSON(w, http.StatusOK, user)
}

type registerStudentRequest struct {
	UserID      string `json:"user_id" validate:"required,max=20"`
	Password    string `json:"password" validate:"required,max=72"`
	Name        string `json:"name" validate:"required,max=50"`
	Gender      string `json:"gender" validate:"omitempty,oneof=M F U"`
	Birthdate   string `json:"birthdate" validate:"omitempty,datetime=2006-01-02"`
	College     string `json:"college" validate:"max=50"`
	StudentType string `json:"stu_type" validate:"omitempty,oneof=UNDERGRADUATE POSTGRADUATE DOCTORAL"`
	Grade       int32  `json:"grade" validate:"gte=0"`
	Major       string `json:"major" validate:"max=50"`
}

func (h *Handler) RegisterStudent(w http.ResponseWriter, r *http.Request) {
	var req registerStudentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	input := service.RegisterStudentInput{
		UserID:      req.UserID,
		Password:    req.Password,
		Name:        req.Name,
		Gender:      models.Gender(req.Gender),
		College:     req.College,
		StudentType: req.StudentType,
		Grade:       req.Grade,
		Major:       req.Major,
	}
	if req.Birthdate != "" {
		birthdate, err := time.Parse("2006-01-02", req.Birthdate)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
		input.Birthdate = &birthdate
	}

	user, err := h.auth.RegisterStudent(r.Context(), input)
	if err != nil {
		switch {
		case errors.Is(err, pkgerrors.ErrUserAlreadyExists):
			w.Header().Set("X-Error", "Username already exists")
			h.writeError(w, http.StatusBadRequest, errors.New("Username already exists"))
		case errors.Is(err, pkgerrors.ErrInvalidInput):
			h.writeError(w, http.StatusBadRequest, err)
		default:
			h.internalError(w, r, err)
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{
		"message": "User created successfully",
		"user_id": user.UserID,
	})
}

func (h *Handler) BrokerUser(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	decision, err := h.broker.AuthorizeUser(r.Context(), r.PostForm.Get("username"), r.PostForm.Get("password"))
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	h.writeText(w, decision.String())
}

func (h *Handler) BrokerVhost(w http.ResponseWriter, r *http.Request) {
	req, ok := h.brokerRequest(w, r)
	if !ok {
		return
	}
	h.writeText(w, h.broker.AuthorizeVhost(r.Context(), req).String())
}

func (h *Handler) BrokerResource(w http.ResponseWriter, r *http.Request) {
	req, ok := h.brokerRequest(w, r)
	if !ok {
		return
	}
	h.writeText(w, h.broker.AuthorizeResource(r.Context(), req).String())
}

func (h *Handler) BrokerTopic(w http.ResponseWriter, r *http.Request) {
	req, ok := h.brokerRequest(w, r)
	if !ok {
		return
	}
	h.writeText(w, h.broker.AuthorizeTopic(r.Context(), req).String())
}

func (h *Handler) brokerRequest(w http.ResponseWriter, r *http.Request) (service.BrokerPermissionRequest, bool) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return service.BrokerPermissionRequest{}, false
	}
	return service.BrokerPermissionRequest{
		Username:   r.PostForm.Get("username"),
		Vhost:      r.PostForm.Get("vhost"),
		Resource:   r.PostForm.Get("resource"),
		Name:       r.PostForm.Get("name"),
		Permission: r.PostForm.Get("permission"),
		RoutingKey: r.PostForm.Get("routing_key"),
		IP:         r.PostForm.Get("ip"),
	}, true
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := h.db.ExecContext(ctx, "SELECT 1"); err != nil {
		slog.Error("health check failed", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, errors.New("database unavailable"))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ClientIP prefers the first X-Forwarded-For hop over the socket peer.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
