package common

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	ce "github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// ---------------------------------------------------------------------------
// Per-service client interfaces
//
// Each interface covers only the operations used by this project. The real
// SDK clients satisfy them automatically; tests substitute stub structs.
// ---------------------------------------------------------------------------

// STSClient is the subset of STS operations used by the loader.
type STSClient interface {
	GetCallerIdentity(
		ctx context.Context,
		params *sts.GetCallerIdentityInput,
		optFns ...func(*sts.Options),
	) (*sts.GetCallerIdentityOutput, error)
}

// EC2Client covers region discovery (doctor) and instance suspension.
type EC2Client interface {
	DescribeRegions(
		ctx context.Context,
		params *ec2.DescribeRegionsInput,
		optFns ...func(*ec2.Options),
	) (*ec2.DescribeRegionsOutput, error)

	StopInstances(
		ctx context.Context,
		params *ec2.StopInstancesInput,
		optFns ...func(*ec2.Options),
	) (*ec2.StopInstancesOutput, error)
}

// CostExplorerClient covers resource-level and tag-filtered cost queries and
// forecasts.
type CostExplorerClient interface {
	GetCostAndUsage(
		ctx context.Context,
		params *ce.GetCostAndUsageInput,
		optFns ...func(*ce.Options),
	) (*ce.GetCostAndUsageOutput, error)

	GetCostAndUsageWithResources(
		ctx context.Context,
		params *ce.GetCostAndUsageWithResourcesInput,
		optFns ...func(*ce.Options),
	) (*ce.GetCostAndUsageWithResourcesOutput, error)

	GetCostForecast(
		ctx context.Context,
		params *ce.GetCostForecastInput,
		optFns ...func(*ce.Options),
	) (*ce.GetCostForecastOutput, error)
}

// RDSClient covers DB instance suspension.
type RDSClient interface {
	StopDBInstance(
		ctx context.Context,
		params *rds.StopDBInstanceInput,
		optFns ...func(*rds.Options),
	) (*rds.StopDBInstanceOutput, error)

	DescribeDBInstances(
		ctx context.Context,
		params *rds.DescribeDBInstancesInput,
		optFns ...func(*rds.Options),
	) (*rds.DescribeDBInstancesOutput, error)
}

// ---------------------------------------------------------------------------
// ClientSet and ClientFactory
// ---------------------------------------------------------------------------

// ClientSet holds AWS service clients for one profile and region. All fields
// are interfaces so tests can replace them without importing the SDK.
type ClientSet struct {
	STS          STSClient
	EC2          EC2Client
	CostExplorer CostExplorerClient
	RDS          RDSClient
}

// ClientFactory creates a ClientSet from an aws.Config.
// Swap this in tests to inject mock clients.
type ClientFactory func(cfg aws.Config) *ClientSet

// CostExplorerRegion is the only region Cost Explorer is served from.
const CostExplorerRegion = "us-east-1"

// NewClientSet is the production ClientFactory. Cost Explorer is always
// pointed at us-east-1 because it is a global service.
func NewClientSet(cfg aws.Config) *ClientSet {
	ceCfg := cfg
	ceCfg.Region = CostExplorerRegion

	return &ClientSet{
		STS:          sts.NewFromConfig(cfg),
		EC2:          ec2.NewFromConfig(cfg),
		CostExplorer: ce.NewFromConfig(ceCfg),
		RDS:          rds.NewFromConfig(cfg),
	}
}
