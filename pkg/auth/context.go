package auth

import (
	"github.com/bookhaven/bookhaven/pkg/models"
	"github.com/labstack/echo/v4"
)

const authContextKey = "auth"

// AuthContext is the outcome of authenticating a request. It is either
// Unauthenticated or *Authenticated.
type AuthContext interface {
	// Can reports whether the caller may perform operation on resource.
	Can(resource, operation string) bool
	authContext()
}

// Unauthenticated is an anonymous caller. AllowAnonymous mirrors the
// allow_unauthenticated setting.
type Unauthenticated struct {
	AllowAnonymous bool
}

func (u Unauthenticated) Can(resource, operation string) bool {
	if !u.AllowAnonymous {
		return false
	}
	for _, p := range anonymousPermissions {
		if p.resource == resource && p.operation == operation {
			return true
		}
	}
	return false
}

func (Unauthenticated) authContext() {}

// Authenticated is a caller holding a valid token for an active user.
type Authenticated struct {
	UserID    int
	Role      string
	TokenType string
	User      *models.User
}

func (a *Authenticated) Can(resource, operation string) bool {
	return a.User.HasPermission(resource, operation)
}

func (*Authenticated) authContext() {}

// Anonymous callers can browse and read when allowed to, never write.
var anonymousPermissions = []struct {
	resource  string
	operation string
}{
	{models.ResourceBooks, models.OperationRead},
	{models.ResourceLibrary, models.OperationRead},
}

// FromEcho returns the AuthContext set by Middleware.Authenticate. Requests
// that never went through it are unauthenticated.
func FromEcho(c echo.Context) AuthContext {
	if ac, ok := c.Get(authContextKey).(AuthContext); ok {
		return ac
	}
	return Unauthenticated{}
}

// UserFromEcho returns the authenticated caller, if any.
func UserFromEcho(c echo.Context) (*Authenticated, bool) {
	a, ok := FromEcho(c).(*Authenticated)
	return a, ok
}

// SetAuthContext stores ac on the request. Authenticate is the usual caller.
func SetAuthContext(c echo.Context, ac AuthContext) {
	c.Set(authContextKey, ac)
}
