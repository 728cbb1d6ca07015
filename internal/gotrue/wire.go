package gotrue

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"oentex/internal/auth"
)

type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
	ExpiresAt    int64        `json:"expires_at"`
	RefreshToken string       `json:"refresh_token"`
	User         userResponse `json:"user"`
}

func (r tokenResponse) toSession(now time.Time) *auth.Session {
	expiresAt := time.Unix(r.ExpiresAt, 0)
	if r.ExpiresAt == 0 {
		expiresAt = now.Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	user := r.User.toUser()
	return &auth.Session{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		ExpiresAt:    expiresAt,
		User:         &user,
	}
}

type userResponse struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	AppMetadata struct {
		Provider string `json:"provider"`
	} `json:"app_metadata"`
	UserMetadata struct {
		FullName  string `json:"full_name"`
		Name      string `json:"name"`
		AvatarURL string `json:"avatar_url"`
		Picture   string `json:"picture"`
	} `json:"user_metadata"`
	CreatedAt    time.Time `json:"created_at"`
	LastSignInAt time.Time `json:"last_sign_in_at"`
}

func (r userResponse) toUser() auth.User {
	avatar := r.UserMetadata.AvatarURL
	if avatar == "" {
		avatar = r.UserMetadata.Picture
	}
	return auth.User{
		ID:    r.ID,
		Email: r.Email,
		Metadata: auth.UserMetadata{
			FullName:  r.UserMetadata.FullName,
			Name:      r.UserMetadata.Name,
			AvatarURL: avatar,
		},
		Provider:     r.AppMetadata.Provider,
		CreatedAt:    r.CreatedAt,
		LastSignInAt: r.LastSignInAt,
	}
}

// errorResponse covers both the current ({"error_code","msg"}) and the older
// OAuth-style ({"error","error_description"}) error bodies.
type errorResponse struct {
	ErrorCode        string          `json:"error_code"`
	Code             json.RawMessage `json:"code"`
	Msg              string          `json:"msg"`
	Message          string          `json:"message"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

func decodeError(status int, raw []byte) error {
	var body errorResponse
	_ = json.Unmarshal(raw, &body)

	code := body.ErrorCode
	if code == "" && len(body.Code) > 0 {
		var textCode string
		if json.Unmarshal(body.Code, &textCode) == nil {
			code = textCode
		}
	}
	if code == "" {
		code = body.Error
	}
	if code == "" && status == http.StatusTooManyRequests {
		code = "over_request_rate_limit"
	}

	message := firstNonEmpty(body.Msg, body.Message, body.ErrorDescription, body.Error, http.StatusText(status))
	return &auth.ProviderError{Status: status, Code: code, Message: message}
}

func isSessionMissing(err error) bool {
	var providerErr *auth.ProviderError
	if !errors.As(err, &providerErr) {
		return false
	}
	switch providerErr.Status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
