package relay

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried by API keys.
const (
	RoleAnon          = "anon"
	RoleAuthenticated = "authenticated"
	RoleService       = "service_role"
)

// keyring validates API keys and access tokens against the relay secret.
type keyring struct {
	secret     []byte
	anonKey    string
	serviceKey string
}

func newKeyring(cfg Config) keyring {
	return keyring{
		secret:     []byte(cfg.JWTSecret),
		anonKey:    cfg.AnonKey,
		serviceKey: cfg.ServiceKey,
	}
}

// parse validates an HS256 token and returns its claims.
func (k keyring) parse(tokenStr string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		return k.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// role returns the role of an API key, or "" when the key is invalid.
// Configured static keys are accepted as-is; anything else must be a
// token signed with the relay secret.
func (k keyring) role(key string) string {
	switch {
	case key == "":
		return ""
	case k.serviceKey != "" && key == k.serviceKey:
		return RoleService
	case k.anonKey != "" && key == k.anonKey:
		return RoleAnon
	}
	claims, err := k.parse(key)
	if err != nil {
		return ""
	}
	role, _ := claims["role"].(string)
	return role
}

// validAPIKey accepts anon and service_role keys.
func (k keyring) validAPIKey(key string) bool {
	switch k.role(key) {
	case RoleAnon, RoleService:
		return true
	}
	return false
}

// GenerateAPIKey signs a long-lived API key for role.
func GenerateAPIKey(jwtSecret, role string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"role": role,
		"iss":  "fitdesk",
		"iat":  now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(jwtSecret))
}

// GenerateUserToken signs an access token for a signed-in user.
func GenerateUserToken(jwtSecret, sub string, ttl time.Duration) (string, error) {
	if sub == "" {
		return "", fmt.Errorf("user token: empty subject")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  sub,
		"role": RoleAuthenticated,
		"iss":  "fitdesk",
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(jwtSecret))
}
