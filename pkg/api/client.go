package api

import (
	"github.com/dd0wney/cluso-portal/pkg/config"
	"github.com/dd0wney/cluso-portal/pkg/transport"
)

// NewClient creates a transport client that speaks to a portal configured
// by cfg. It seals with the same keys and uses client.timeout as the
// per-submission timeout. opts are applied after the config.
func NewClient(cfg *config.Config, opts ...transport.ClientOption) *transport.Client {
	base := []transport.ClientOption{transport.WithDefaultTimeout(cfg.Client.Timeout)}
	return transport.NewClient(NewBuilder(cfg.Crypto), append(base, opts...)...)
}
