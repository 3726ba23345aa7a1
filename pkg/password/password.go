// Package password wraps bcrypt hashing and entropy validation for the
// employee invite flow.
package password

import (
	"errors"

	passwordvalidator "github.com/wagslane/go-password-validator"
	"golang.org/x/crypto/bcrypt"
)

const (
	MinCost     = bcrypt.MinCost
	MaxCost     = bcrypt.MaxCost
	DefaultCost = 12

	// MaxLength bounds the input so oversized payloads cannot stall the
	// hasher.
	MaxLength = 128

	// minEntropyBits is the strength floor for new passwords.
	minEntropyBits = 60
)

var (
	ErrEmpty   = errors.New("password cannot be empty")
	ErrTooLong = errors.New("password too long")
)

type options struct {
	cost int
}

type Option func(*options)

// WithCost overrides the bcrypt cost factor. Out-of-range values keep the
// default.
func WithCost(cost int) Option {
	return func(o *options) {
		if cost >= MinCost && cost <= MaxCost {
			o.cost = cost
		}
	}
}

// Hash returns the bcrypt hash of password.
func Hash(password string, opts ...Option) (string, error) {
	if password == "" {
		return "", ErrEmpty
	}
	if len(password) > MaxLength {
		return "", ErrTooLong
	}
	o := options{cost: DefaultCost}
	for _, opt := range opts {
		opt(&o)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), o.cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Compare checks a plaintext password against its stored hash in constant
// time.
func Compare(hashedPassword, password string) error {
	if hashedPassword == "" || password == "" {
		return ErrEmpty
	}
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}

// ValidateStrength rejects passwords below the entropy floor.
func ValidateStrength(password string) error {
	return passwordvalidator.Validate(password, minEntropyBits)
}
