package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"lv-escrow/internal/escrow"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type Claims struct {
	jwt.RegisteredClaims
	Admin bool `json:"adm,omitempty"`
}

// Service issues and verifies the bearer tokens that carry an actor. Users
// get tokens from the identity provider in front of this service; operators
// log in with the configured admin credentials.
type Service struct {
	issuer    string
	secret    []byte
	ttl       time.Duration
	adminUser string
	adminHash []byte
	now       func() time.Time
}

func NewService(issuer string, secret []byte, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Service{issuer: issuer, secret: secret, ttl: ttl, now: time.Now}
}

// SetAdminCredentials enables AdminLogin. hash is a bcrypt hash as printed
// by cmd/genhash.
func (s *Service) SetAdminCredentials(username, hash string) {
	s.adminUser = strings.TrimSpace(username)
	s.adminHash = []byte(strings.TrimSpace(hash))
}

func (s *Service) Issue(actor escrow.Actor) (string, error) {
	if actor.UserID == "" {
		return "", errors.New("subject is required")
	}
	now := s.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   actor.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Admin: actor.Admin,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(s.secret)
}

func (s *Service) Parse(token string) (escrow.Actor, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return escrow.Actor{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return escrow.Actor{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return escrow.Actor{}, errors.New("invalid subject")
	}
	return escrow.Actor{UserID: claims.Subject, Admin: claims.Admin}, nil
}

// AdminLogin checks operator credentials and returns an admin token.
func (s *Service) AdminLogin(username, password string) (string, error) {
	if s.adminUser == "" || len(s.adminHash) == 0 {
		return "", errors.New("admin login is not configured")
	}
	userOK := subtle.ConstantTimeCompare([]byte(strings.TrimSpace(username)), []byte(s.adminUser)) == 1
	if err := bcrypt.CompareHashAndPassword(s.adminHash, []byte(password)); err != nil || !userOK {
		return "", ErrInvalidCredentials
	}
	return s.Issue(escrow.Actor{UserID: s.adminUser, Admin: true})
}
