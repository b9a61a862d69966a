package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	identityContextKey = "auth_identity"
	bearerPrefix       = "Bearer "
	apiKeyPrefix       = "qb_"
)

var errMissingCredentials = errors.New("missing credentials")

// Identity is the authenticated caller attached to the request context.
// API key callers carry no email and are never admins; admin rights come
// only from a session claim.
type Identity struct {
	UserID string
	Email  string
	Admin  bool
	APIKey bool
}

type sessionClaims struct {
	Email string `json:"email"`
	Admin bool   `json:"admin"`
	jwt.RegisteredClaims
}

// authMiddleware resolves the Authorization header into an Identity. Tokens
// with the qb_ prefix resolve through the API key service; anything else is
// parsed as an HS256 session JWT.
func (server *Server) authMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		identity, err := server.authenticate(ctx)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid or missing credentials"))
			return
		}
		ctx.Set(identityContextKey, identity)
		ctx.Next()
	}
}

func (server *Server) authenticate(ctx *gin.Context) (Identity, error) {
	header := ctx.GetHeader("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return Identity{}, errMissingCredentials
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	if token == "" {
		return Identity{}, errMissingCredentials
	}
	if strings.HasPrefix(token, apiKeyPrefix) {
		key, err := server.keys.Verify(ctx.Request.Context(), token)
		if err != nil {
			return Identity{}, err
		}
		return Identity{UserID: key.UserID, APIKey: true}, nil
	}
	return server.parseSessionToken(token)
}

func (server *Server) parseSessionToken(token string) (Identity, error) {
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(parsedToken *jwt.Token) (interface{}, error) {
		return []byte(server.cfg.SessionSigningKey), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(server.cfg.SessionIssuer),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("parse session token: %w", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, errMissingCredentials
	}
	return Identity{UserID: claims.Subject, Email: claims.Email, Admin: claims.Admin}, nil
}

// adminOnly gates a route on the admin session claim.
func adminOnly() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		identity := getIdentity(ctx)
		if !identity.Admin {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "admin access required"))
			return
		}
		ctx.Next()
	}
}

func getIdentity(ctx *gin.Context) Identity {
	value, exists := ctx.Get(identityContextKey)
	if !exists {
		return Identity{}
	}
	identity, ok := value.(Identity)
	if !ok {
		return Identity{}
	}
	return identity
}
