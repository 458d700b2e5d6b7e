package handlers

import (
	"net/http"
	"strings"

	"github.com/petlor/petlor-clinic/libs/auth"
)

// Staff identity headers, set by RequireAuth after token verification.
// Inbound copies are stripped first so clients cannot forge them.
const (
	headerUserID = "X-User-Id"
	headerRole   = "X-Role"
	headerName   = "X-User-Name"
)

func StaffIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(headerUserID))
}

func RoleFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(headerRole))
}

// RequireAuth verifies the bearer token and stamps the staff identity
// headers. RS256 via JWKS when a client is configured, HS256 shared-secret
// otherwise.
func RequireAuth(next http.Handler, jwtSecret string, jwksClient *auth.JWKSClient) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") || len(strings.TrimSpace(authHeader)) <= len("Bearer ") {
			http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		claims, err := verifyToken(token, jwtSecret, jwksClient)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		r.Header.Del(headerUserID)
		r.Header.Del(headerRole)
		r.Header.Del(headerName)
		r.Header.Set(headerUserID, claims.Sub)
		r.Header.Set(headerRole, claims.Role)
		r.Header.Set(headerName, claims.Name)
		next.ServeHTTP(w, r)
	})
}

func verifyToken(token, jwtSecret string, jwksClient *auth.JWKSClient) (*auth.Claims, error) {
	if jwksClient == nil {
		return auth.ParseAndVerifyHS256(token, jwtSecret)
	}
	header, err := auth.ParseHeader(token)
	if err != nil {
		return nil, err
	}
	if header.Alg == "RS256" && header.Kid != "" {
		pub, err := jwksClient.Get(header.Kid)
		if err != nil {
			return nil, err
		}
		return auth.VerifyRS256(token, pub)
	}
	return auth.ParseAndVerifyHS256(token, jwtSecret)
}

// RequireRole gates a route to the listed staff roles. Runs after
// RequireAuth.
func RequireRole(next http.Handler, roles ...string) http.Handler {
	allowed := map[string]struct{}{}
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := allowed[RoleFromRequest(r)]; !ok {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
