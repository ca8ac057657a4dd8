package users

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/bookhaven/bookhaven/pkg/auth"
	"github.com/bookhaven/bookhaven/pkg/errcodes"
	"github.com/bookhaven/bookhaven/pkg/models"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/uptrace/bun"
)

// Service handles user operations.
type Service struct {
	db *bun.DB
}

// NewService creates a new users service.
func NewService(db *bun.DB) *Service {
	return &Service{db: db}
}

// CreateUserOptions contains options for creating a user.
type CreateUserOptions struct {
	Username string
	Email    *string
	Password string
	RoleName string
}

// Create creates a new user with the named role.
func (s *Service) Create(ctx context.Context, opts CreateUserOptions) (*models.User, error) {
	username := strings.TrimSpace(opts.Username)
	if username == "" {
		return nil, errcodes.ValidationError("Username is required")
	}
	if opts.Password == "" {
		return nil, errcodes.ValidationError("Password is required")
	}
	if opts.Email != nil && strings.TrimSpace(*opts.Email) == "" {
		opts.Email = nil
	}

	hashedPassword, err := auth.HashPassword(opts.Password)
	if err != nil {
		return nil, err
	}

	user := &models.User{}
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().
			Model((*models.User)(nil)).
			Where("username = ? COLLATE NOCASE", username).
			Exists(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		if exists {
			return errcodes.Conflict("Username already exists")
		}

		if opts.Email != nil {
			exists, err = tx.NewSelect().
				Model((*models.User)(nil)).
				Where("email = ? COLLATE NOCASE", *opts.Email).
				Exists(ctx)
			if err != nil {
				return errors.WithStack(err)
			}
			if exists {
				return errcodes.Conflict("Email already exists")
			}
		}

		role := &models.Role{}
		err = tx.NewSelect().
			Model(role).
			Where("name = ?", opts.RoleName).
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errcodes.ValidationError("Invalid role " + opts.RoleName)
			}
			return errors.WithStack(err)
		}

		user.Username = username
		user.Email = opts.Email
		user.PasswordHash = hashedPassword
		user.RoleID = role.ID
		user.IsActive = true

		_, err = tx.NewInsert().Model(user).Returning("*").Exec(ctx)
		return errors.WithStack(err)
	})
	if err != nil {
		return nil, err
	}

	return s.Retrieve(ctx, user.ID)
}

// Retrieve gets a user by ID.
func (s *Service) Retrieve(ctx context.Context, id int) (*models.User, error) {
	user := &models.User{}
	err := s.db.NewSelect().
		Model(user).
		Relation("Role").
		Relation("Role.Permissions").
		Where("u.id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcodes.NotFound("User")
		}
		return nil, errors.WithStack(err)
	}
	return user, nil
}

// ListOptions contains options for listing users.
type ListOptions struct {
	Limit  int
	Offset int
}

// List returns a paginated list of users and the total count.
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*models.User, int, error) {
	users := []*models.User{}

	query := s.db.NewSelect().
		Model(&users).
		Relation("Role").
		Order("u.id ASC")

	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		query = query.Offset(opts.Offset)
	}

	total, err := query.ScanAndCount(ctx)
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}

	return users, total, nil
}

// Delete removes a user. Their progress rows are left for the orphan sweep
// of the next library scan.
func (s *Service) Delete(ctx context.Context, id int) error {
	res, err := s.db.NewDelete().
		Model((*models.User)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if n == 0 {
		return errcodes.NotFound("User")
	}
	return nil
}

// CountUsers returns the total number of users.
func (s *Service) CountUsers(ctx context.Context) (int, error) {
	count, err := s.db.NewSelect().Model((*models.User)(nil)).Count(ctx)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return count, nil
}

type EnsureAdminOptions struct {
	Username string
	Email    string
	Password string
}

// EnsureAdmin creates the configured admin account unless a user with that
// username already exists. An empty password skips the bootstrap entirely.
func (s *Service) EnsureAdmin(ctx context.Context, opts EnsureAdminOptions) (*models.User, bool, error) {
	log := logger.FromContext(ctx)

	if opts.Password == "" {
		log.Debug("no admin password configured, skipping admin bootstrap")
		return nil, false, nil
	}

	existing := &models.User{}
	err := s.db.NewSelect().
		Model(existing).
		Where("u.username = ? COLLATE NOCASE", opts.Username).
		Scan(ctx)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, errors.WithStack(err)
	}

	var email *string
	if opts.Email != "" {
		email = &opts.Email
	}
	user, err := s.Create(ctx, CreateUserOptions{
		Username: opts.Username,
		Email:    email,
		Password: opts.Password,
		RoleName: models.RoleAdmin,
	})
	if err != nil {
		return nil, false, err
	}

	log.Info("created admin user", logger.Data{"user_id": user.ID, "username": user.Username})
	return user, true, nil
}

// ChangePassword replaces the user's password after checking the current one.
func (s *Service) ChangePassword(ctx context.Context, userID int, oldPassword, newPassword string) error {
	if strings.TrimSpace(oldPassword) == "" || strings.TrimSpace(newPassword) == "" {
		return errcodes.BadRequest("Password fields cannot be empty.")
	}
	if err := CheckPasswordComplexity(newPassword); err != nil {
		return err
	}

	user, err := s.Retrieve(ctx, userID)
	if err != nil {
		return err
	}
	if !auth.CheckPassword(oldPassword, user.PasswordHash) {
		return errcodes.Unauthorized("Current password is incorrect.")
	}
	if auth.CheckPassword(newPassword, user.PasswordHash) {
		return errcodes.BadRequest("The new password cannot be the same as the current password.")
	}

	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	user.UpdatedAt = time.Now().UTC()
	_, err = s.db.NewUpdate().
		Model(user).
		Column("password_hash", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	logger.FromContext(ctx).Info("password changed", logger.Data{"user_id": userID})
	return nil
}
