package credential

import (
	"context"
	"strings"
	"time"
)

// StaticSource serves a long-lived API key. The returned credential never
// expires, so the Manager never refreshes it.
type StaticSource struct{}

func (StaticSource) Obtain(_ context.Context, id Identity) (Credential, error) {
	key := strings.TrimSpace(id.APIKey)
	if key == "" {
		return Credential{}, ErrMissingAPIKey
	}
	return Credential{
		Token:    key,
		IssuedAt: time.Now().UTC(),
		Identity: id,
	}, nil
}
