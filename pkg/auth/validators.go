package auth

type LoginPayload struct {
	Username string `json:"username" validate:"required,max=50" mod:"trim"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	Token string     `json:"token"`
	User  MeResponse `json:"user"`
}

type MeResponse struct {
	ID          int      `json:"id"`
	Username    string   `json:"username"`
	Email       *string  `json:"email,omitempty"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}
