package devserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/auth"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/config"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/domain"
)

// account couples a profile with its password hash.
type account struct {
	profile      domain.UserProfile
	passwordHash string
}

// refreshRecord tracks an issued refresh token.
type refreshRecord struct {
	userID    string
	expiresAt time.Time
}

// Server is an in-memory development stand-in for the collaborator backend.
// It implements the exact wire contract the session core consumes: login,
// refresh with token rotation, and idempotent push-token registration. All
// state lives in memory; there is deliberately no database behind it.
type Server struct {
	app      *fiber.App
	tokens   *auth.TokenManager
	authCfg  config.AuthConfig
	logger   *zap.Logger
	mu       sync.Mutex
	accounts map[string]*account // keyed by email
	refresh  map[string]refreshRecord
	pushed   map[string]string // userID -> push token
}

// New builds the server with one seeded account.
func New(authCfg config.AuthConfig, stubCfg config.StubConfig, logger *zap.Logger) (*Server, error) {
	hash, err := auth.HashPassword(stubCfg.SeedPassword, authCfg.BcryptCost)
	if err != nil {
		return nil, err
	}

	s := &Server{
		tokens:  auth.NewTokenManager(authCfg.JWTSecret, authCfg.AccessTokenTTL()),
		authCfg: authCfg,
		logger:  logger,
		accounts: map[string]*account{
			stubCfg.SeedEmail: {
				profile: domain.UserProfile{
					ID:             uuid.NewString(),
					Email:          stubCfg.SeedEmail,
					Name:           stubCfg.SeedName,
					Role:           "operator",
					OrganizationID: uuid.NewString(),
				},
				passwordHash: hash,
			},
		},
		refresh: make(map[string]refreshRecord),
		pushed:  make(map[string]string),
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(requestLogger(logger))

	app.Post("/api/auth/login", s.handleLogin)
	app.Post("/api/auth/refresh", s.handleRefresh)

	authenticated := app.Group("/api", auth.NewAuthMiddleware(s.tokens))
	authenticated.Put("/notifications/push-token", s.handlePushToken)

	s.app = app
	return s, nil
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until shut down.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req domain.Credentials
	if err := c.BodyParser(&req); err != nil {
		return errJSON(c, http.StatusBadRequest, "VALIDATION_FAILED", "invalid payload")
	}
	if req.Email == "" || req.Password == "" {
		return errJSON(c, http.StatusBadRequest, "VALIDATION_FAILED", "email and password required")
	}

	s.mu.Lock()
	acct, ok := s.accounts[req.Email]
	s.mu.Unlock()
	if !ok || auth.ComparePassword(acct.passwordHash, req.Password) != nil {
		return errJSON(c, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid credentials")
	}

	return s.issueSession(c, acct.profile)
}

func (s *Server) handleRefresh(c *fiber.Ctx) error {
	var req domain.RefreshRequest
	if err := c.BodyParser(&req); err != nil || req.RefreshToken == "" {
		return errJSON(c, http.StatusBadRequest, "VALIDATION_FAILED", "refreshToken required")
	}

	s.mu.Lock()
	record, ok := s.refresh[req.RefreshToken]
	if ok {
		// Rotation: a refresh token is single-use.
		delete(s.refresh, req.RefreshToken)
	}
	s.mu.Unlock()

	if !ok || time.Now().After(record.expiresAt) {
		return errJSON(c, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid refresh token")
	}

	profile, found := s.profileByID(record.userID)
	if !found {
		return errJSON(c, http.StatusUnauthorized, "UNAUTHORIZED", "Unknown user")
	}
	return s.issueSession(c, profile)
}

func (s *Server) handlePushToken(c *fiber.Ctx) error {
	userID, _ := c.Locals(auth.UserIDKey).(string)

	var req domain.PushTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return errJSON(c, http.StatusBadRequest, "VALIDATION_FAILED", "invalid payload")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.PushToken == nil {
		delete(s.pushed, userID)
		return c.JSON(fiber.Map{"data": fiber.Map{"pushToken": nil}})
	}

	if current, ok := s.pushed[userID]; ok && current == *req.PushToken {
		return errJSON(c, http.StatusConflict, "CONFLICT", "push token already registered")
	}

	s.pushed[userID] = *req.PushToken
	return c.JSON(fiber.Map{"data": fiber.Map{"pushToken": *req.PushToken}})
}

// issueSession mints a fresh access/refresh pair for the user.
func (s *Server) issueSession(c *fiber.Ctx, profile domain.UserProfile) error {
	token, _, err := s.tokens.GenerateToken(profile)
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}

	refreshToken := uuid.NewString()
	s.mu.Lock()
	s.refresh[refreshToken] = refreshRecord{
		userID:    profile.ID,
		expiresAt: time.Now().Add(s.authCfg.RefreshTokenTTL()),
	}
	if pushToken, ok := s.pushed[profile.ID]; ok {
		profile.PushToken = pushToken
	}
	s.mu.Unlock()

	return c.JSON(domain.AuthResponse{
		User:         profile,
		Token:        token,
		RefreshToken: refreshToken,
	})
}

func (s *Server) profileByID(userID string) (domain.UserProfile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acct := range s.accounts {
		if acct.profile.ID == userID {
			return acct.profile, true
		}
	}
	return domain.UserProfile{}, false
}

// ExpireRefreshTokens invalidates all outstanding refresh tokens. Test hook
// for exercising the terminal refresh-failure path end to end.
func (s *Server) ExpireRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = make(map[string]refreshRecord)
}

func errJSON(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"error": fiber.Map{"code": code, "message": message},
	})
}

func requestLogger(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		logger.Debug("request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("duration", time.Since(start)))
		return err
	}
}
