package auth

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"objectflow/internal/api"
	"objectflow/internal/pipeline"
	"objectflow/internal/query"
)

// Handler serves the authentication endpoints. Account and token records
// flow through the pipeline like any other object, so uniqueness rules and
// hooks on _users apply to signups too.
type Handler struct {
	pipeline  *pipeline.Pipeline
	jwtSecret string
}

func NewHandler(p *pipeline.Pipeline, jwtSecret string) *Handler {
	return &Handler{pipeline: p, jwtSecret: jwtSecret}
}

// system is the session internal auth operations run under.
func system() *pipeline.Session {
	return &pipeline.Session{UserID: "system", Roles: []string{"system"}}
}

// Register handles POST /api/auth/register.
func (h *Handler) Register(c *fiber.Ctx) error {
	var body struct {
		Email    string `json:"email"`
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return api.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.Email == "" || body.Password == "" {
		return api.NewAppError("INVALID_PAYLOAD", 400, "Email and password are required")
	}

	hash, err := HashPassword(body.Password)
	if err != nil {
		return err
	}

	users, err := h.pipeline.Object("_users")
	if err != nil {
		return err
	}
	user, err := users.Create(c.Context(), system(), map[string]any{
		"email":         body.Email,
		"name":          body.Name,
		"password_hash": hash,
		"roles":         []any{"user"},
		"active":        true,
	})
	if err != nil {
		return err
	}

	return c.Status(201).JSON(fiber.Map{"data": fiber.Map{
		"id":    user["id"],
		"email": user["email"],
	}})
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(c *fiber.Ctx) error {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return api.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.Email == "" || body.Password == "" {
		return api.UnauthorizedError("Email and password are required")
	}

	user, err := h.findUserByEmail(c.Context(), body.Email)
	if err != nil {
		return api.UnauthorizedError("Invalid email or password")
	}

	active, _ := user["active"].(bool)
	if !active {
		return api.UnauthorizedError("Account is disabled")
	}

	passwordHash, _ := user["password_hash"].(string)
	if !CheckPassword(body.Password, passwordHash) {
		return api.UnauthorizedError("Invalid email or password")
	}

	userID, _ := user["id"].(string)
	spaceID, _ := user["space_id"].(string)
	roles := extractRoles(user["roles"])

	pair, err := h.generateTokenPair(c.Context(), userID, spaceID, roles)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": pair})
}

// Refresh handles POST /api/auth/refresh.
func (h *Handler) Refresh(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return api.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.RefreshToken == "" {
		return api.UnauthorizedError("Refresh token is required")
	}

	ctx := c.Context()
	tokens, err := h.pipeline.Object("_refresh_tokens")
	if err != nil {
		return err
	}
	rows, err := tokens.Find(ctx, system(), query.Options{
		Filters: map[string]any{"token": body.RefreshToken},
		Top:     1,
	})
	if err != nil || len(rows) == 0 {
		return api.UnauthorizedError("Invalid refresh token")
	}
	row := rows[0]

	if expiresAt, ok := row["expires_at"].(time.Time); !ok || time.Now().After(expiresAt) {
		_ = tokens.Delete(ctx, system(), row["id"])
		return api.UnauthorizedError("Refresh token expired")
	}

	users, err := h.pipeline.Object("_users")
	if err != nil {
		return err
	}
	user, err := users.FindOne(ctx, system(), row["user_id"])
	if err != nil {
		return api.UnauthorizedError("Invalid refresh token")
	}
	if active, _ := user["active"].(bool); !active {
		return api.UnauthorizedError("Account is disabled")
	}

	// Rotation: the presented token is single-use.
	if err := tokens.Delete(ctx, system(), row["id"]); err != nil {
		return err
	}

	userID, _ := user["id"].(string)
	spaceID, _ := user["space_id"].(string)
	pair, err := h.generateTokenPair(ctx, userID, spaceID, extractRoles(user["roles"]))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": pair})
}

// Logout handles POST /api/auth/logout.
func (h *Handler) Logout(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return api.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.RefreshToken == "" {
		return api.UnauthorizedError("Refresh token is required")
	}

	tokens, err := h.pipeline.Object("_refresh_tokens")
	if err != nil {
		return err
	}
	rows, err := tokens.Find(c.Context(), system(), query.Options{
		Filters: map[string]any{"token": body.RefreshToken},
		Top:     1,
	})
	if err == nil && len(rows) > 0 {
		_ = tokens.Delete(c.Context(), system(), rows[0]["id"])
	}
	return c.JSON(fiber.Map{"message": "Logged out"})
}

// RegisterRoutes registers auth routes on the given Fiber app.
func RegisterRoutes(app *fiber.App, h *Handler) {
	group := app.Group("/api/auth")
	group.Post("/register", h.Register)
	group.Post("/login", h.Login)
	group.Post("/refresh", h.Refresh)
	group.Post("/logout", h.Logout)
}

// --- helpers ---

func (h *Handler) findUserByEmail(ctx context.Context, email string) (map[string]any, error) {
	users, err := h.pipeline.Object("_users")
	if err != nil {
		return nil, err
	}
	rows, err := users.Find(ctx, system(), query.Options{
		Filters: map[string]any{"email": email},
		Top:     1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, api.UnauthorizedError("Invalid email or password")
	}
	return rows[0], nil
}

func (h *Handler) generateTokenPair(ctx context.Context, userID, spaceID string, roles []string) (*TokenPair, error) {
	accessToken, err := GenerateAccessToken(userID, spaceID, roles, h.jwtSecret)
	if err != nil {
		return nil, api.NewAppError("INTERNAL_ERROR", 500, "Failed to generate access token")
	}

	refreshToken := GenerateRefreshToken()
	tokens, err := h.pipeline.Object("_refresh_tokens")
	if err != nil {
		return nil, err
	}
	_, err = tokens.Create(ctx, system(), map[string]any{
		"user_id":    userID,
		"token":      refreshToken,
		"expires_at": time.Now().Add(RefreshTokenTTL),
	})
	if err != nil {
		return nil, api.NewAppError("INTERNAL_ERROR", 500, "Failed to store refresh token")
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}

func extractRoles(v any) []string {
	if v == nil {
		return []string{}
	}
	switch roles := v.(type) {
	case []string:
		return roles
	case []any:
		result := make([]string, 0, len(roles))
		for _, r := range roles {
			if s, ok := r.(string); ok {
				result = append(result, s)
			}
		}
		return result
	default:
		return []string{}
	}
}
