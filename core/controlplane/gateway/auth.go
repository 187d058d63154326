package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"
)

const wsAPIKeyProtocol = "crossctx-api-key"

// AuthContext captures the caller identity attached to a request.
type AuthContext struct {
	APIKey      string
	PrincipalID string
}

type authContextKey struct{}

// AuthProvider authenticates HTTP requests and binds them to a participant.
type AuthProvider interface {
	AuthenticateHTTP(r *http.Request) (*AuthContext, error)
	RequireParticipant(r *http.Request, participantID string) error
}

func authFromContext(ctx context.Context) *AuthContext {
	if ctx == nil {
		return nil
	}
	if raw := ctx.Value(authContextKey{}); raw != nil {
		if auth, ok := raw.(*AuthContext); ok {
			return auth
		}
	}
	return nil
}

func authFromRequest(r *http.Request) *AuthContext {
	if r == nil {
		return nil
	}
	return authFromContext(r.Context())
}

type apiKeyEntry struct {
	Key         string `json:"key"`
	PrincipalID string `json:"principal_id,omitempty"`
}

// BasicAuthProvider checks static API keys. A key may be pinned to a
// principal, in which case it can only act as that participant.
type BasicAuthProvider struct {
	keys                 map[string]string
	requireAPIKey        bool
	allowHeaderPrincipal bool
}

// NewBasicAuthProvider loads keys from CROSSCTX_API_KEYS / CROSSCTX_API_KEY.
func NewBasicAuthProvider() (*BasicAuthProvider, error) {
	keys, requireKey, err := loadBasicAPIKeys()
	if err != nil {
		return nil, err
	}
	return &BasicAuthProvider{
		keys:                 keys,
		requireAPIKey:        requireKey,
		allowHeaderPrincipal: true,
	}, nil
}

func (b *BasicAuthProvider) AuthenticateHTTP(r *http.Request) (*AuthContext, error) {
	if r == nil {
		return nil, errors.New("request required")
	}
	key := normalizeAPIKey(r.Header.Get("X-API-Key"))
	if key == "" && websocket.IsWebSocketUpgrade(r) {
		key = normalizeAPIKey(apiKeyFromWebSocket(r))
	}
	return b.authenticate(key, headerValue(r, "X-Principal-Id"))
}

func (b *BasicAuthProvider) authenticate(key, principalID string) (*AuthContext, error) {
	if b == nil {
		return &AuthContext{}, nil
	}
	principalID = strings.TrimSpace(principalID)
	if key == "" {
		if b.requireAPIKey {
			return nil, errors.New("api key required")
		}
		if !b.allowHeaderPrincipal {
			principalID = ""
		}
		return &AuthContext{PrincipalID: principalID}, nil
	}
	pinned, ok := b.keys[key]
	if len(b.keys) > 0 && !ok {
		return nil, errors.New("invalid api key")
	}
	if pinned != "" {
		if principalID != "" && principalID != pinned {
			return nil, errors.New("principal does not match api key")
		}
		principalID = pinned
	} else if !b.allowHeaderPrincipal {
		principalID = ""
	}
	return &AuthContext{APIKey: key, PrincipalID: principalID}, nil
}

// RequireParticipant rejects callers whose principal is known and differs from participantID.
func (b *BasicAuthProvider) RequireParticipant(r *http.Request, participantID string) error {
	auth := authFromRequest(r)
	if auth == nil || auth.PrincipalID == "" {
		return nil
	}
	if auth.PrincipalID != strings.TrimSpace(participantID) {
		return fmt.Errorf("principal %s cannot act as %s", auth.PrincipalID, participantID)
	}
	return nil
}

func loadBasicAPIKeys() (map[string]string, bool, error) {
	keys := map[string]string{}
	requireKey := false

	raw := strings.TrimSpace(os.Getenv("CROSSCTX_API_KEYS"))
	if raw != "" {
		entries, err := parseAPIKeys(raw)
		if err != nil {
			return nil, false, err
		}
		for _, entry := range entries {
			if entry.Key == "" {
				continue
			}
			keys[entry.Key] = strings.TrimSpace(entry.PrincipalID)
		}
		requireKey = true
	}

	if single := normalizeAPIKey(os.Getenv("CROSSCTX_API_KEY")); single != "" {
		keys[single] = ""
		requireKey = true
	}
	return keys, requireKey, nil
}

// parseAPIKeys accepts a JSON list, a JSON object keyed by api key, or a
// comma list of "key" / "principal:key" pairs.
func parseAPIKeys(raw string) ([]apiKeyEntry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var entries []apiKeyEntry
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, fmt.Errorf("parse CROSSCTX_API_KEYS: %w", err)
		}
		return entries, nil
	}
	if strings.HasPrefix(raw, "{") {
		entries := map[string]apiKeyEntry{}
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, fmt.Errorf("parse CROSSCTX_API_KEYS: %w", err)
		}
		out := make([]apiKeyEntry, 0, len(entries))
		for key, entry := range entries {
			entry.Key = key
			out = append(out, entry)
		}
		return out, nil
	}
	parts := strings.Split(raw, ",")
	entries := make([]apiKeyEntry, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		entry := apiKeyEntry{}
		if principal, key, ok := strings.Cut(part, ":"); ok {
			entry.PrincipalID = strings.TrimSpace(principal)
			entry.Key = strings.TrimSpace(key)
		} else {
			entry.Key = part
		}
		if entry.Key != "" {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func headerValue(r *http.Request, name string) string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Header.Get(name))
}

func normalizeAPIKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	// Common .env mistake: quoting values.
	key = strings.Trim(key, "\"'")
	return strings.TrimSpace(key)
}

// apiKeyFromWebSocket reads the key from Sec-WebSocket-Protocol since browsers
// cannot set custom headers on upgrade requests.
func apiKeyFromWebSocket(r *http.Request) string {
	if r == nil {
		return ""
	}
	protocols := websocket.Subprotocols(r)
	for i, protocol := range protocols {
		if strings.EqualFold(protocol, wsAPIKeyProtocol) && i+1 < len(protocols) {
			return decodeWSAPIKey(protocols[i+1])
		}
		prefix := wsAPIKeyProtocol + "."
		if strings.HasPrefix(strings.ToLower(protocol), prefix) {
			return decodeWSAPIKey(protocol[len(prefix):])
		}
	}
	return ""
}

func decodeWSAPIKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	return raw
}

// apiKeyMiddleware enforces API key auth and injects auth context.
func apiKeyMiddleware(auth AuthProvider, next http.Handler) http.Handler {
	if auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || !strings.HasPrefix(r.URL.Path, "/api/") || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		authCtx, err := auth.AuthenticateHTTP(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, authCtx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
