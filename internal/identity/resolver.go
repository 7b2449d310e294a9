package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"turbotaai/apps/backend/internal/access"
)

const (
	DeviceHeader      = "X-Device-Id"
	maxDeviceIDLength = 128
)

// Resolver derives the caller principal from a request. Token problems never
// surface as errors; the caller is then treated as an anonymous device.
type Resolver struct {
	Verifier      TokenVerifier
	DeviceCookie  string
	SessionCookie string
	CookieMaxAge  time.Duration
	CookieSecure  bool
}

type Resolution struct {
	Principal access.Principal
	DeviceID  string
	// NewCookie is set when the device id was minted for this request and must
	// be persisted on the response.
	NewCookie *http.Cookie
}

func (r *Resolver) Resolve(ctx context.Context, req *http.Request) Resolution {
	deviceID, minted := r.deviceID(req)
	res := Resolution{DeviceID: deviceID}
	if minted {
		res.NewCookie = r.deviceCookie(deviceID)
	}
	deviceHash := HashDeviceID(deviceID)

	token := r.token(req)
	if token == "" || r.Verifier == nil {
		res.Principal = access.DevicePrincipal(deviceHash)
		return res
	}
	claims, err := r.Verifier.Verify(ctx, token)
	if err != nil {
		log.Printf("token rejected, continuing as device device_hash=%s err=%v", deviceHash, err)
		res.Principal = access.DevicePrincipal(deviceHash)
		return res
	}
	res.Principal = access.UserPrincipal(claims.UserID, claims.Email, deviceHash)
	return res
}

// HashDeviceID returns the hex SHA-256 of a raw device id. Only the hash is
// ever stored.
func HashDeviceID(deviceID string) string {
	sum := sha256.Sum256([]byte(deviceID))
	return hex.EncodeToString(sum[:])
}

func (r *Resolver) deviceID(req *http.Request) (string, bool) {
	if r.DeviceCookie != "" {
		if cookie, err := req.Cookie(r.DeviceCookie); err == nil {
			if id := strings.TrimSpace(cookie.Value); id != "" && len(id) <= maxDeviceIDLength {
				return id, false
			}
		}
	}
	if id := strings.TrimSpace(req.Header.Get(DeviceHeader)); id != "" && len(id) <= maxDeviceIDLength {
		return id, false
	}
	return uuid.NewString(), true
}

func (r *Resolver) token(req *http.Request) string {
	authHeader := req.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		if token := strings.TrimSpace(authHeader[len("Bearer "):]); token != "" {
			return token
		}
	}
	if r.SessionCookie != "" {
		if cookie, err := req.Cookie(r.SessionCookie); err == nil {
			return strings.TrimSpace(cookie.Value)
		}
	}
	return ""
}

func (r *Resolver) deviceCookie(deviceID string) *http.Cookie {
	return &http.Cookie{
		Name:     r.DeviceCookie,
		Value:    deviceID,
		Path:     "/",
		MaxAge:   int(r.CookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   r.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}
