package middleware

import (
	"net/http"

	"github.com/chatcore/internal/auth"
	"github.com/chatcore/internal/logger"
)

// BearerAuth проверяет токен из заголовка Authorization и кладёт user_id в контекст. 401 при ошибке.
func BearerAuth(verifier auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.BearerToken(r.Header.Get("Authorization"))
			if token == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			userID, err := verifier.Verify(r.Context(), token)
			if err != nil || userID == "" {
				logger.Debugf("auth: rejected %s %s: %v", r.Method, r.URL.Path, err)
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
