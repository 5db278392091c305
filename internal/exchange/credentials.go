package exchange

import (
	"errors"
	"fmt"

	"smc-trade-bot-go/internal/config"
)

// ErrUnknownCredentials is returned when a bot references a handle that is not configured.
var ErrUnknownCredentials = errors.New("unknown credentials handle")

// ResolveCredentials turns a bot's opaque credentials handle into an API key
// pair. It is only called while constructing an adapter.
func ResolveCredentials(creds map[string]config.Credential, ref string) (config.Credential, error) {
	c, ok := creds[ref]
	if !ok {
		return config.Credential{}, fmt.Errorf("%w: %q", ErrUnknownCredentials, ref)
	}
	if c.ApiKey == "" || c.SecretKey == "" {
		return config.Credential{}, fmt.Errorf("credentials %q are incomplete", ref)
	}
	return c, nil
}
