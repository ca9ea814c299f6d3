package common

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// DefaultAWSClientProvider is the production AWSClientProvider. It reads
// credentials through the standard AWS SDK v2 chain (environment, shared
// config/credentials files, IMDS, web identity).
//
// Inject a custom ClientFactory via NewDefaultAWSClientProviderWithFactory to
// replace real SDK clients with mocks in unit tests.
type DefaultAWSClientProvider struct {
	factory       ClientFactory
	defaultRegion string

	mu       sync.Mutex
	regional map[string]*ClientSet
}

// NewDefaultAWSClientProvider returns a provider backed by the real AWS SDK.
// defaultRegion is used when the profile has none; empty means us-east-1.
func NewDefaultAWSClientProvider(defaultRegion string) *DefaultAWSClientProvider {
	return NewDefaultAWSClientProviderWithFactory(NewClientSet, defaultRegion)
}

// NewDefaultAWSClientProviderWithFactory returns a provider that uses f to
// create its ClientSets. Pass a mock factory in tests.
func NewDefaultAWSClientProviderWithFactory(f ClientFactory, defaultRegion string) *DefaultAWSClientProvider {
	if defaultRegion == "" {
		defaultRegion = "us-east-1"
	}
	return &DefaultAWSClientProvider{
		factory:       f,
		defaultRegion: defaultRegion,
		regional:      make(map[string]*ClientSet),
	}
}

// ---------------------------------------------------------------------------
// AWSClientProvider implementation
// ---------------------------------------------------------------------------

// LoadProfile loads the SDK config for profile, resolves the account ID via
// STS, and builds home-region clients.
func (p *DefaultAWSClientProvider) LoadProfile(ctx context.Context, profile string) (*ProfileConfig, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS profile %q: %w", profileDisplayName(profile), err)
	}
	if cfg.Region == "" {
		cfg.Region = p.defaultRegion
	}

	clients := p.factory(cfg)

	accountID, err := resolveAccountID(ctx, clients.STS)
	if err != nil {
		return nil, fmt.Errorf("resolve account ID for profile %q: %w", profileDisplayName(profile), err)
	}

	pc := &ProfileConfig{
		ProfileName: profileDisplayName(profile),
		AccountID:   accountID,
		Region:      cfg.Region,
		Config:      cfg,
		Clients:     clients,
	}

	p.mu.Lock()
	p.regional[regionalKey(pc, cfg.Region)] = clients
	p.mu.Unlock()

	return pc, nil
}

// GetActiveRegions returns the regions the account has opted into.
func (p *DefaultAWSClientProvider) GetActiveRegions(ctx context.Context, cfg *ProfileConfig) ([]string, error) {
	out, err := cfg.Clients.EC2.DescribeRegions(ctx, &ec2.DescribeRegionsInput{
		AllRegions: aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("describe regions for profile %q: %w", cfg.ProfileName, err)
	}

	regions := make([]string, 0, len(out.Regions))
	for _, r := range out.Regions {
		if r.RegionName != nil {
			regions = append(regions, *r.RegionName)
		}
	}
	return regions, nil
}

// ClientsForRegion returns cached clients for region, creating them on first use.
func (p *DefaultAWSClientProvider) ClientsForRegion(cfg *ProfileConfig, region string) *ClientSet {
	if region == "" {
		region = cfg.Region
	}
	key := regionalKey(cfg, region)

	p.mu.Lock()
	defer p.mu.Unlock()
	if cs, ok := p.regional[key]; ok {
		return cs
	}
	regional := cfg.Config
	regional.Region = region
	cs := p.factory(regional)
	p.regional[key] = cs
	return cs
}

// ---------------------------------------------------------------------------
// Package-private helpers
// ---------------------------------------------------------------------------

func regionalKey(cfg *ProfileConfig, region string) string {
	return cfg.ProfileName + "/" + region
}

// profileDisplayName shows the empty (default) profile as "default".
func profileDisplayName(profile string) string {
	if profile == "" {
		return "default"
	}
	return profile
}

// resolveAccountID calls STS GetCallerIdentity for the loaded credentials.
func resolveAccountID(ctx context.Context, stsClient STSClient) (string, error) {
	out, err := stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("STS GetCallerIdentity: %w", err)
	}
	if out.Account == nil {
		return "", fmt.Errorf("STS GetCallerIdentity returned nil account")
	}
	return aws.ToString(out.Account), nil
}
