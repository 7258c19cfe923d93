package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong identity or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrInvalidToken signals a token that does not verify.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Service issues and verifies caller tokens.
type Service struct {
	repo      Repository
	owner     string
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// LoginResult bundles the token returned after a successful login.
type LoginResult struct {
	Token     string
	Identity  string
	Role      Role
	ExpiresAt time.Time
}

// NewService creates a new authentication service. Tokens for owner carry
// RoleOwner, every other identity gets RoleCaller.
func NewService(repo Repository, owner, jwtSecret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		repo:      repo,
		owner:     owner,
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
		now:       time.Now,
	}
}

// Register stores a hashed credential for an identity.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Credential, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	identity := strings.TrimSpace(req.Identity)
	if identity == "" {
		return nil, ErrEmptyIdentity
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	c, err := s.repo.CreateCredential(ctx, identity, string(hash))
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Login checks the password and returns a signed token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	c, err := s.repo.GetCredential(ctx, strings.TrimSpace(req.Identity))
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	role := RoleCaller
	if c.Identity == s.owner {
		role = RoleOwner
	}
	expires := s.now().Add(s.ttl)
	token, err := s.generateToken(c.Identity, role, expires)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{
		Token:     token,
		Identity:  c.Identity,
		Role:      role,
		ExpiresAt: expires,
	}, nil
}

// VerifyToken validates a JWT and returns the identity and role it carries.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", ErrInvalidToken
	}
	identity, err := claims.GetSubject()
	if err != nil || identity == "" {
		return "", "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return "", "", fmt.Errorf("%w: missing role", ErrInvalidToken)
	}
	role := Role(roleStr)
	if role != RoleOwner && role != RoleCaller {
		return "", "", fmt.Errorf("%w: role %q", ErrInvalidToken, roleStr)
	}
	return identity, role, nil
}

func (s *Service) generateToken(identity string, role Role, expires time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub":  identity,
		"role": string(role),
		"exp":  expires.Unix(),
		"iat":  s.now().Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}
