package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/memoh-gateway/internal/auth"
	"github.com/memohai/memoh-gateway/internal/config"
)

// AuthHandler issues admin tokens for the pairing administration API.
type AuthHandler struct {
	logger    *slog.Logger
	admin     config.AdminConfig
	jwtSecret string
	expiresIn time.Duration
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	UserID      string    `json:"user_id"`
}

func NewAuthHandler(log *slog.Logger, cfg config.Config) *AuthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AuthHandler{
		logger:    log.With(slog.String("handler", "auth")),
		admin:     cfg.Admin,
		jwtSecret: cfg.Auth.JWTSecret,
		expiresIn: config.Duration(cfg.Auth.JWTExpiresIn, 24*time.Hour),
	}
}

func (h *AuthHandler) Register(e *echo.Echo) {
	group := e.Group("/auth")
	group.POST("/login", h.Login)
	group.POST("/refresh", h.Refresh)
}

// Login godoc
// @Summary Admin login
// @Description Exchange the configured admin credentials for a JWT
// @Tags auth
// @Param payload body LoginRequest true "Login request"
// @Success 200 {object} LoginResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(c echo.Context) error {
	if !h.admin.Enabled {
		return echo.NewHTTPError(http.StatusNotFound, "admin api is disabled")
	}
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}
	if username != h.admin.Username || !auth.CheckPassword(h.admin.Password, req.Password) {
		h.logger.Warn("admin login rejected", slog.String("username", username), slog.String("remote_ip", c.RealIP()))
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	token, expiresAt, err := auth.GenerateToken(username, h.jwtSecret, h.expiresIn)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
		UserID:      username,
	})
}

// Refresh godoc
// @Summary Refresh admin token
// @Tags auth
// @Success 200 {object} LoginResponse
// @Failure 401 {object} ErrorResponse
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(c echo.Context) error {
	token, expiresAt, err := auth.RefreshTokenFromContext(c, h.jwtSecret, h.expiresIn)
	if err != nil {
		return err
	}
	userID, _ := auth.UserIDFromContext(c)
	return c.JSON(http.StatusOK, LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
		UserID:      userID,
	})
}
