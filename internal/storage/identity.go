package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"contas/internal/core"
)

var (
	// ErrSessionInvalid covers unknown, expired and family-less sessions.
	ErrSessionInvalid = errors.New("invalid session")
)

// ResolveSession turns a bearer token into the (actor, family, role) triple.
// A user who has not joined a family yet resolves with an empty FamilyID;
// the HTTP layer keeps such sessions away from family-scoped routes.
func (r *Repository) ResolveSession(ctx context.Context, token string) (core.Session, error) {
	var (
		sess     core.Session
		role     sql.NullString
		familyID sql.NullString
		expires  time.Time
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT u.id, u.family_id, u.role, s.expires_at
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.token = ?`, token).Scan(&sess.UserID, &familyID, &role, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Session{}, ErrSessionInvalid
	}
	if err != nil {
		return core.Session{}, fmt.Errorf("resolve session: %w", err)
	}
	if time.Now().After(expires) {
		return core.Session{}, ErrSessionInvalid
	}
	if familyID.Valid {
		sess.FamilyID = familyID.String
	}
	if role.Valid {
		sess.Role = core.Role(role.String)
	}
	return sess, nil
}

// GetUser loads a user by id.
func (r *Repository) GetUser(ctx context.Context, id string) (core.User, error) {
	var (
		u        core.User
		familyID sql.NullString
		role     sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, name, family_id, role FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &u.Name, &familyID, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return core.User{}, core.ErrNotFound
	}
	if err != nil {
		return core.User{}, fmt.Errorf("get user: %w", err)
	}
	u.FamilyID = familyID.String
	u.Role = core.Role(role.String)
	return u, nil
}

// CreateInvite records an invitation into the owner's family.
func (r *Repository) CreateInvite(ctx context.Context, inv core.Invite) (core.Invite, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO invites (id, family_id, email, role, token, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.FamilyID, inv.Email, string(inv.Role), inv.Token, inv.ExpiresAt)
	if err != nil {
		return core.Invite{}, fmt.Errorf("insert invite: %w", err)
	}
	slog.InfoContext(ctx, "Invite created",
		"id", inv.ID, "family_id", inv.FamilyID, "role", inv.Role)
	return inv, nil
}

// AcceptInvite joins the user to the invite's family with the invited role.
// Expired, already accepted and unknown tokens fail with ErrNotFound.
func (r *Repository) AcceptInvite(ctx context.Context, userID, token string) (core.Invite, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Invite{}, fmt.Errorf("begin accept invite: %w", err)
	}
	defer tx.Rollback()

	var (
		inv      core.Invite
		role     string
		accepted sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, family_id, email, role, token, expires_at, accepted_at
		FROM invites WHERE token = ?`, token).
		Scan(&inv.ID, &inv.FamilyID, &inv.Email, &role, &inv.Token, &inv.ExpiresAt, &accepted)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Invite{}, core.ErrNotFound
	}
	if err != nil {
		return core.Invite{}, fmt.Errorf("load invite: %w", err)
	}
	if accepted.Valid || time.Now().After(inv.ExpiresAt) {
		return core.Invite{}, core.ErrNotFound
	}
	inv.Role = core.Role(role)

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET family_id = ?, role = ? WHERE id = ?`,
		inv.FamilyID, role, userID); err != nil {
		return core.Invite{}, fmt.Errorf("attach user to family: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE invites SET accepted_at = CURRENT_TIMESTAMP WHERE id = ?`,
		inv.ID); err != nil {
		return core.Invite{}, fmt.Errorf("mark invite accepted: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return core.Invite{}, fmt.Errorf("commit accept invite: %w", err)
	}

	slog.InfoContext(ctx, "Invite accepted", "id", inv.ID, "user_id", userID)
	return inv, nil
}

// SeedIdentity creates a family, a member and a session token in one call.
// Used by tests and by local bootstrapping; production identities come from
// the auth provider.
func (r *Repository) SeedIdentity(ctx context.Context, familyID, familyName, userID, email string, role core.Role, token string) error {
	if _, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO families (id, name) VALUES (?, ?)`, familyID, familyName); err != nil {
		return fmt.Errorf("seed family: %w", err)
	}
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, email, family_id, role) VALUES (?, ?, ?, ?)`,
		userID, email, familyID, string(role)); err != nil {
		return fmt.Errorf("seed user: %w", err)
	}
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, expires_at) VALUES (?, ?, ?)`,
		token, userID, time.Now().Add(30*24*time.Hour)); err != nil {
		return fmt.Errorf("seed session: %w", err)
	}
	return nil
}

// CreateUser registers a user without a family, as after a first sign-in.
func (r *Repository) CreateUser(ctx context.Context, userID, email, token string) error {
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, email) VALUES (?, ?)`, userID, email); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, expires_at) VALUES (?, ?, ?)`,
		token, userID, time.Now().Add(30*24*time.Hour)); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}
