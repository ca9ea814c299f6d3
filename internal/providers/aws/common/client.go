package common

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// ProfileConfig is a resolved AWS profile with its SDK configuration and
// home-region service clients.
type ProfileConfig struct {
	// ProfileName is the shared-config profile name or "default".
	ProfileName string

	// AccountID is the account the credentials belong to (via STS).
	AccountID string

	// Region is the home region of the profile.
	Region string

	// Config is the loaded AWS SDK v2 configuration.
	Config aws.Config

	// Clients is scoped to Region. Cost Explorer inside it always targets
	// us-east-1. Use ClientsForRegion for regional stop calls.
	Clients *ClientSet
}

// AWSClientProvider loads AWS credentials and hands out region-scoped
// clients. It is the only place AWS credentials are resolved.
type AWSClientProvider interface {
	// LoadProfile returns a ProfileConfig for the named profile.
	// Pass an empty string to use the default credential chain.
	LoadProfile(ctx context.Context, profile string) (*ProfileConfig, error)

	// GetActiveRegions returns the regions enabled for the account.
	GetActiveRegions(ctx context.Context, cfg *ProfileConfig) ([]string, error)

	// ClientsForRegion returns clients for cfg scoped to region. Results are
	// cached per (profile, region).
	ClientsForRegion(cfg *ProfileConfig, region string) *ClientSet
}
