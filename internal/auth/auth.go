package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/xtrntr/venue/internal/db"
	"github.com/xtrntr/venue/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

// AuthService handles user registration and authentication.
type AuthService struct {
	DB     *db.DB
	secret []byte
}

// NewAuthService creates a new auth service signing tokens with secret.
func NewAuthService(db *db.DB, secret string) *AuthService {
	return &AuthService{DB: db, secret: []byte(secret)}
}

// Register creates a new user with a hashed password and a zero balance.
func (s *AuthService) Register(ctx context.Context, name, email, password string) (*models.User, error) {
	if name == "" {
		return nil, fmt.Errorf("name cannot be empty")
	}
	if email == "" {
		return nil, fmt.Errorf("email cannot be empty")
	}
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	if len(name) > 100 {
		return nil, fmt.Errorf("name too long (max 100 characters)")
	}
	if len(password) > 100 {
		return nil, fmt.Errorf("password too long (max 100 characters)")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user, err := s.DB.CreateUser(ctx, name, email, string(hashedPassword), decimal.Zero)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials and generates a JWT.
func (s *AuthService) Login(ctx context.Context, email, password string) (string, error) {
	user, err := s.DB.GetUserByEmail(ctx, email)
	if err != nil {
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": user.ID,
		"email":   user.Email,
		"exp":     time.Now().Add(24 * time.Hour).Unix(),
	})

	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// GetUserFromToken extracts the user ID from a JWT.
func (s *AuthService) GetUserFromToken(tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return 0, err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		userID, ok := claims["user_id"].(float64)
		if !ok {
			return 0, fmt.Errorf("token missing user_id claim")
		}
		return int64(userID), nil
	}
	return 0, fmt.Errorf("invalid token")
}
