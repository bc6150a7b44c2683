// Package auth verifies caller identity from bearer tokens and maps group
// membership to per-account admin rights. Tokens are issued by the company
// identity provider; this service only validates them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/accessdesk/accessdesk/internal/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

type Claims struct {
	Email  string   `json:"email"`
	Groups []string `json:"groups"`
	jwt.RegisteredClaims
}

type Config struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`

	// AdminGroups maps an account id to the groups holding admin rights
	// over it. The "*" key applies to every account.
	AdminGroups map[string][]string `yaml:"admin_groups"`
}

type Service struct {
	config Config
}

func NewService(config Config) *Service {
	return &Service{config: config}
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.JWTSecret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if s.config.Issuer != "" && claims.Issuer != s.config.Issuer {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

type contextKey string

const userContextKey contextKey = "user"

// UserFromContext returns the authenticated caller placed by Middleware.
func UserFromContext(ctx context.Context) (models.User, bool) {
	user, ok := ctx.Value(userContextKey).(models.User)
	return user, ok
}

// Middleware authenticates the request and stores the caller on the context.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			http.Error(w, "invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := s.ValidateToken(parts[1])
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		user := models.User{Email: claims.Email, Groups: claims.Groups}
		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CanAdmin reports whether the user holds an admin group for the account.
func (s *Service) CanAdmin(user models.User, account string) bool {
	return s.inGroups(user, s.config.AdminGroups["*"]) ||
		s.inGroups(user, s.config.AdminGroups[account])
}

// CanActOn reports whether the user may mutate the request: its requester
// always can, as can an admin of the principal's account.
func (s *Service) CanActOn(user models.User, req *models.Request) bool {
	if user.Email != "" && user.Email == req.Requester {
		return true
	}
	return s.CanAdmin(user, req.Principal.Account)
}

func (s *Service) inGroups(user models.User, groups []string) bool {
	for _, g := range groups {
		for _, ug := range user.Groups {
			if g == ug {
				return true
			}
		}
	}
	return false
}
