package core

import (
	"errors"
	"strings"
	"time"
)

const (
	Income  Kind = "INCOME"
	Expense Kind = "EXPENSE"

	RoleOwner   Role = "OWNER"
	RolePartner Role = "PARTNER"
)

type (
	// Kind classifies a transaction or category as income or expense.
	Kind string

	// Role is a member's permission level within a family.
	Role string

	Money struct {
		Cents int64
	}

	// Session is the identity triple attached to every authenticated request.
	Session struct {
		UserID   string
		FamilyID string
		Role     Role
	}

	Family struct {
		ID        string
		Name      string
		CreatedAt time.Time
	}

	User struct {
		ID       string
		Email    string
		Name     string
		FamilyID string
		Role     Role
	}

	Category struct {
		ID        string
		FamilyID  string
		Name      string
		Kind      Kind
		Version   int64
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	Transaction struct {
		ID         string
		FamilyID   string
		UserID     string
		CategoryID string
		Kind       Kind
		Amount     Money
		Note       string
		Date       Date
		Version    int64
		CreatedAt  time.Time
		UpdatedAt  time.Time
	}

	Invite struct {
		ID         string
		FamilyID   string
		Email      string
		Role       Role
		Token      string
		ExpiresAt  time.Time
		AcceptedAt time.Time
		CreatedAt  time.Time
	}
)

var (
	ErrInvalidKind      = errors.New("invalid kind")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidDate      = errors.New("invalid date")
	ErrEmptyCategory    = errors.New("empty category")
	ErrEmptyName        = errors.New("empty name")
	ErrNoteTooLong      = errors.New("note too long (max 500 characters)")
	ErrNameTooLong      = errors.New("name too long (max 100 characters)")
)

func (k Kind) Validate() error {
	switch k {
	case Income, Expense:
		return nil
	default:
		return ErrInvalidKind
	}
}

func (r Role) Validate() error {
	switch r {
	case RoleOwner, RolePartner:
		return nil
	default:
		return errors.New("invalid role")
	}
}

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (t Transaction) Validate() error {
	if err := t.Kind.Validate(); err != nil {
		return err
	}
	if err := t.Amount.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(t.CategoryID) == "" {
		return ErrEmptyCategory
	}
	if err := t.Date.Validate(); err != nil {
		return err
	}
	if len(t.Note) > 500 {
		return ErrNoteTooLong
	}
	return nil
}

func (c Category) Validate() error {
	if len(strings.TrimSpace(c.Name)) == 0 {
		return ErrEmptyName
	}
	if len(c.Name) > 100 {
		return ErrNameTooLong
	}
	return c.Kind.Validate()
}
