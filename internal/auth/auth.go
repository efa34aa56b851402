package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatwave/internal/content"
	"chatwave/internal/models"

	"github.com/c-pro/geche"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 7 * 24 * time.Hour
	loginFailedMessage = "Login failed"
	issuer             = "chatwave"
)

var (
	ErrLoginFailed       = errors.New(loginFailedMessage)
	ErrTooManyAttempts   = errors.New("too many failed login attempts")
	ErrInvalidToken      = errors.New("invalid token")
	errUnexpectedSigning = errors.New("unexpected signing method")
)

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type RegistrationRequest struct {
	Username string `json:"username" validate:"required,min=3,max=32"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

type LoginResponse struct {
	Token       string      `json:"token"`
	TokenExpiry int64       `json:"tokenExpiry"`
	User        models.User `json:"user"`
}

// Claims are carried by every issued token. The token ID is what Logout revokes.
type Claims struct {
	jwt.RegisteredClaims
}

// loginAttempts counts consecutive failed logins to throttle brute force attacks.
type loginAttempts struct {
	Failed      int64
	LastAttempt int64
}

func (a *loginAttempts) reset(now time.Time) {
	a.Failed = 0
	a.LastAttempt = now.Unix()
}

func (a *loginAttempts) increment(now time.Time) {
	a.Failed++
	a.LastAttempt = now.Unix()
}

type userStore interface {
	CreateUser(ctx context.Context, user models.User) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	UpdateUserPresence(ctx context.Context, id string, status models.UserStatus, lastSeen time.Time) error
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int `json:"bcryptCost"`
}

type AuthService struct {
	Config
	store    userStore
	attempts *geche.Locker[string, *loginAttempts]
	revoked  geche.Geche[string, time.Time]
	validate *validator.Validate
	now      func() time.Time
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = bcrypt.DefaultCost
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("bcrypt cost %d out of range", c.BcryptCost)
	}

	return nil
}

func NewAuthService(ctx context.Context, config Config, store userStore) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:   config,
		store:    store,
		attempts: geche.NewLocker[string, *loginAttempts](geche.NewMapCache[string, *loginAttempts]()),
		// A revoked token only needs remembering until it would expire anyway.
		revoked:  geche.NewMapTTLCache[string, time.Time](ctx, config.TokenExpiry, time.Minute),
		validate: validator.New(),
		now:      time.Now,
	}, nil
}

// DefaultAvatar is the generated avatar for users that did not upload one.
func DefaultAvatar(username string) string {
	return "https://ui-avatars.com/api/?name=" + url.QueryEscape(username) + "&background=4361ee&color=fff"
}

func (as *AuthService) validateRequest(req any) error {
	if err := as.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q", models.ErrValidation, strings.ToLower(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	return nil
}

// AddUser creates an account with the given role. It does not issue a token.
func (as *AuthService) AddUser(ctx context.Context, req RegistrationRequest, role models.UserRole) (models.User, error) {
	if err := as.validateRequest(req); err != nil {
		return models.User{}, err
	}
	if err := content.ValidateUsername(req.Username); err != nil {
		return models.User{}, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), as.BcryptCost)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	return as.store.CreateUser(ctx, models.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
		Avatar:       DefaultAvatar(req.Username),
		Role:         role,
	})
}

func (as *AuthService) Register(ctx context.Context, req RegistrationRequest) (LoginResponse, error) {
	user, err := as.AddUser(ctx, req, models.UserRoleUser)
	if err != nil {
		return LoginResponse{}, err
	}
	return as.issue(user)
}

func (as *AuthService) Login(ctx context.Context, req LoginRequest) (LoginResponse, error) {
	if err := as.validateRequest(req); err != nil {
		return LoginResponse{}, err
	}

	now := as.now()
	key := strings.ToLower(req.Email)
	tx := as.attempts.Lock()
	defer tx.Unlock()

	attempts, err := tx.Get(key)
	if err != nil {
		attempts = &loginAttempts{}
		tx.Set(key, attempts)
	}

	if attempts.Failed > 3 {
		nextAttempt := attempts.LastAttempt + 30*(attempts.Failed*attempts.Failed)
		if now.Unix() < nextAttempt {
			return LoginResponse{}, fmt.Errorf("%w: next attempt in %d seconds", ErrTooManyAttempts, nextAttempt-now.Unix())
		}
	}

	user, err := as.store.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			attempts.increment(now)
			return LoginResponse{}, ErrLoginFailed
		}
		return LoginResponse{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		attempts.increment(now)
		return LoginResponse{}, ErrLoginFailed
	}

	attempts.reset(now)

	// Status stays with the session layer; login only records activity.
	if err := as.store.UpdateUserPresence(ctx, user.ID, user.Status, now); err != nil {
		slog.Warn("failed to record login", "user_id", user.ID, "error", err)
	} else {
		user.LastSeen = now
	}
	return as.issue(user)
}

func (as *AuthService) issue(user models.User) (LoginResponse, error) {
	now := as.now()
	expiry := now.Add(as.TokenExpiry)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.ID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(as.secretBytes)
	if err != nil {
		slog.Error("failed to sign token", "user_id", user.ID, "error", err)
		return LoginResponse{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return LoginResponse{
		Token:       token,
		TokenExpiry: expiry.Unix(),
		User:        user,
	}, nil
}

// ParseToken verifies signature, expiry and revocation.
func (as *AuthService) ParseToken(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errUnexpectedSigning
		}
		return as.secretBytes, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(as.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if _, err := as.revoked.Get(claims.ID); err == nil {
		return nil, fmt.Errorf("%w: revoked", ErrInvalidToken)
	}
	return claims, nil
}

// TokenFromRequest extracts the token from the Authorization bearer header or
// the token query parameter. Browsers cannot set headers on WebSocket
// upgrades or image requests, hence the query fallback.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// GetUserID returns the user a live token was issued to.
func (as *AuthService) GetUserID(token string) (string, error) {
	claims, err := as.ParseToken(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Logoff revokes the token until it expires.
func (as *AuthService) Logoff(token string) error {
	claims, err := as.ParseToken(token)
	if err != nil {
		return err
	}
	as.revoked.Set(claims.ID, as.now())
	return nil
}
