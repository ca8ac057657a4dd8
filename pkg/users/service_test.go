package users

import (
	"context"
	"testing"

	"github.com/bookhaven/bookhaven/pkg/auth"
	"github.com/bookhaven/bookhaven/pkg/config"
	"github.com/bookhaven/bookhaven/pkg/database"
	"github.com/bookhaven/bookhaven/pkg/errcodes"
	"github.com/bookhaven/bookhaven/pkg/migrations"
	"github.com/bookhaven/bookhaven/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()

	db, err := database.New(config.NewForTest())
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
	})

	_, err = migrations.BringUpToDate(context.Background(), db)
	require.NoError(t, err)

	return db
}

func TestServiceCreate(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	email := "reader@example.com"
	user, err := svc.Create(ctx, CreateUserOptions{
		Username: " reader ",
		Email:    &email,
		Password: "password123",
		RoleName: models.RoleViewer,
	})
	require.NoError(t, err)

	assert.Equal(t, "reader", user.Username)
	assert.True(t, user.IsActive)
	require.NotNil(t, user.Role)
	assert.Equal(t, models.RoleViewer, user.Role.Name)
	assert.True(t, user.HasPermission(models.ResourceProgress, models.OperationWrite))
	assert.False(t, user.HasPermission(models.ResourceBooks, models.OperationWrite))
	assert.True(t, auth.CheckPassword("password123", user.PasswordHash))
}

func TestServiceCreate_Conflicts(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	email := "reader@example.com"
	_, err := svc.Create(ctx, CreateUserOptions{Username: "reader", Email: &email, Password: "password123", RoleName: models.RoleViewer})
	require.NoError(t, err)

	_, err = svc.Create(ctx, CreateUserOptions{Username: "READER", Password: "password123", RoleName: models.RoleViewer})
	var codeErr *errcodes.Error
	require.ErrorAs(t, err, &codeErr)
	assert.Equal(t, "conflict", codeErr.Code)

	other := "READER@example.com"
	_, err = svc.Create(ctx, CreateUserOptions{Username: "other", Email: &other, Password: "password123", RoleName: models.RoleViewer})
	require.ErrorAs(t, err, &codeErr)
	assert.Equal(t, "conflict", codeErr.Code)
}

func TestServiceCreate_InvalidRole(t *testing.T) {
	t.Parallel()

	svc := NewService(newTestDB(t))

	_, err := svc.Create(context.Background(), CreateUserOptions{Username: "reader", Password: "password123", RoleName: "owner"})
	var codeErr *errcodes.Error
	require.ErrorAs(t, err, &codeErr)
	assert.Equal(t, "validation_error", codeErr.Code)
}

func TestServiceListAndDelete(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	var ids []int
	for _, name := range []string{"alice", "bob", "carol"} {
		u, err := svc.Create(ctx, CreateUserOptions{Username: name, Password: "password123", RoleName: models.RoleViewer})
		require.NoError(t, err)
		ids = append(ids, u.ID)
	}

	list, total, err := svc.List(ctx, ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, list, 2)
	assert.Equal(t, "alice", list[0].Username)

	require.NoError(t, svc.Delete(ctx, ids[1]))
	count, err := svc.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = svc.Retrieve(ctx, ids[1])
	assert.ErrorIs(t, err, errcodes.NotFound("User"))
	assert.ErrorIs(t, svc.Delete(ctx, ids[1]), errcodes.NotFound("User"))
}

func TestServiceEnsureAdmin(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	user, created, err := svc.EnsureAdmin(ctx, EnsureAdminOptions{Username: "admin"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Nil(t, user)

	user, created, err = svc.EnsureAdmin(ctx, EnsureAdminOptions{Username: "admin", Email: "admin@example.com", Password: "correct horse"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.RoleAdmin, user.Role.Name)
	require.NotNil(t, user.Email)
	assert.Equal(t, "admin@example.com", *user.Email)

	again, created, err := svc.EnsureAdmin(ctx, EnsureAdminOptions{Username: "Admin", Password: "another password"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, user.ID, again.ID)

	count, err := svc.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestServiceChangePassword(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	user, err := svc.Create(ctx, CreateUserOptions{
		Username: "reader",
		Password: "Old-pass1!",
		RoleName: models.RoleViewer,
	})
	require.NoError(t, err)

	err = svc.ChangePassword(ctx, user.ID, "not-it", "New-pass1!")
	assert.ErrorIs(t, err, errcodes.Unauthorized("Current password is incorrect."))

	err = svc.ChangePassword(ctx, user.ID, "Old-pass1!", "Old-pass1!")
	assert.ErrorIs(t, err, errcodes.BadRequest("The new password cannot be the same as the current password."))

	err = svc.ChangePassword(ctx, user.ID, "Old-pass1!", "   ")
	assert.ErrorIs(t, err, errcodes.BadRequest("Password fields cannot be empty."))

	require.NoError(t, svc.ChangePassword(ctx, user.ID, "Old-pass1!", "New-pass1!"))

	stored, err := svc.Retrieve(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, auth.CheckPassword("New-pass1!", stored.PasswordHash))
	assert.False(t, auth.CheckPassword("Old-pass1!", stored.PasswordHash))
}

func TestCheckPasswordComplexity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		password string
		want     string
	}{
		{"Sh0rt!", "Password must be at least 8 characters long."},
		{"lowercase1!", "Password must contain at least one uppercase letter."},
		{"UPPERCASE1!", "Password must contain at least one lowercase letter."},
		{"NoDigits!!", "Password must contain at least one number."},
		{"NoSpecial1", "Password must contain at least one special character."},
		{"Good-enough1?", ""},
	}
	for _, tt := range tests {
		err := CheckPasswordComplexity(tt.password)
		if tt.want == "" {
			assert.NoError(t, err, tt.password)
			continue
		}
		assert.ErrorIs(t, err, errcodes.BadRequest(tt.want), tt.password)
	}
}
