package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/budgetguard/budgetguard/internal/services/auth"
)

const (
	headerAPIKey   = "X-API-Key"
	headerTenantID = "X-Tenant-Id"
)

// Auth rejects requests without a valid X-API-Key and attaches the
// resolved identity to the context. The X-Tenant-Id header reassigns
// accounting to another tenant, honored only for keys belonging to
// the shared default tenant.
func Auth(svc *auth.Service, defaultTenant string, logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := r.Header.Get(headerAPIKey)
			if secret == "" {
				RecordDenial("auth")
				unauthorized(w, "Missing API key")
				return
			}

			identity, err := svc.Authenticate(r.Context(), secret)
			if err != nil || identity == nil {
				RecordDenial("auth")
				unauthorized(w, "Invalid API key")
				return
			}

			if override := r.Header.Get(headerTenantID); override != "" && override != identity.TenantName {
				if identity.TenantName == defaultTenant {
					identity = &auth.Identity{
						APIKeyID:   identity.APIKeyID,
						TenantID:   identity.TenantID,
						TenantName: override,
					}
				} else {
					logger.Warn("Tenant override ignored for non-default tenant key",
						zap.String("tenant", identity.TenantName),
						zap.String("override", override))
				}
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":{"message":"` + msg + `","type":"authentication_error"}}`))
}
