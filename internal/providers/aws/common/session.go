package common

import (
	"context"
	"sync"
)

// Session resolves one AWS profile on first use and hands out region-scoped
// clients for it. A failed load is not cached; the next call retries.
//
// The engine builds one Session at startup even when no rule targets AWS, so
// credentials are never touched until an AWS target is evaluated.
type Session struct {
	provider AWSClientProvider
	profile  string

	mu     sync.Mutex
	loaded *ProfileConfig
}

// NewSession returns a lazily loaded session for profile.
func NewSession(provider AWSClientProvider, profile string) *Session {
	return &Session{provider: provider, profile: profile}
}

// NewStaticSession returns a session around an already resolved profile.
// provider may be nil, in which case ClientsForRegion always returns
// pc.Clients.
func NewStaticSession(provider AWSClientProvider, pc *ProfileConfig) *Session {
	return &Session{provider: provider, loaded: pc}
}

// Profile returns the resolved profile, loading it if necessary.
func (s *Session) Profile(ctx context.Context) (*ProfileConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded != nil {
		return s.loaded, nil
	}
	pc, err := s.provider.LoadProfile(ctx, s.profile)
	if err != nil {
		return nil, err
	}
	s.loaded = pc
	return pc, nil
}

// ClientsForRegion returns clients scoped to region. An empty region means
// the profile's home region.
func (s *Session) ClientsForRegion(ctx context.Context, region string) (*ClientSet, error) {
	pc, err := s.Profile(ctx)
	if err != nil {
		return nil, err
	}
	if s.provider == nil || region == "" || region == pc.Region {
		return pc.Clients, nil
	}
	return s.provider.ClientsForRegion(pc, region), nil
}
