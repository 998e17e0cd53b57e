package shield

import (
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/shelfwatch/kit"
)

// BasicAuth requires HTTP Basic credentials matching username and the
// bcrypt passwordHash. An empty username disables the check. The
// authenticated user is recorded with kit.WithUser.
func BasicAuth(username, passwordHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if username == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			userOK := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
			if !ok || !userOK || bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(pass)) != nil {
				GetLogger(r.Context()).Warn("shield: authentication failed", "user", user)
				w.Header().Set("WWW-Authenticate", `Basic realm="shelfwatch", charset="UTF-8"`)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(kit.WithUser(r.Context(), user)))
		})
	}
}
