// Package cost reads per-resource cost and forecasts from AWS Cost Explorer.
package cost

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ce "github.com/aws/aws-sdk-go-v2/service/costexplorer"
	cetypes "github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
	"github.com/shopspring/decimal"

	"github.com/thaitype/serverless-rate-limiter/internal/models"
	"github.com/thaitype/serverless-rate-limiter/internal/providers"
	"github.com/thaitype/serverless-rate-limiter/internal/providers/aws/common"
)

// Cost Explorer service names and EKS split cost allocation tags.
const (
	serviceEC2 = "Amazon Elastic Compute Cloud - Compute"
	serviceRDS = "Amazon Relational Database Service"

	tagEKSCluster    = "aws:eks:cluster-name"
	tagEKSNamespace  = "aws:eks:namespace"
	tagEKSDeployment = "aws:eks:deployment"

	metricUnblended = "UnblendedCost"

	// hourlyLimit is the longest window queried at HOURLY granularity.
	hourlyLimit = 48 * time.Hour
)

// Resource types served by Source.
var Types = []models.ResourceType{
	models.ResourceAWSEC2Instance,
	models.ResourceAWSRDSInstance,
	models.ResourceKubernetesDeployment,
}

// Compile-time interface check.
var _ providers.CostSource = (*Source)(nil)

// Source implements providers.CostSource on Cost Explorer.
//
// EC2 and RDS cost is read with GetCostAndUsageWithResources filtered to the
// resource ID. Kubernetes deployments are priced through EKS split cost
// allocation tags. Only Kubernetes deployments can be forecast; Cost Explorer
// does not forecast a single resource ID.
type Source struct {
	session *common.Session
}

// NewSource returns a Source that resolves credentials through session.
func NewSource(session *common.Session) *Source {
	return &Source{session: session}
}

// ActualCost implements providers.CostSource.
func (s *Source) ActualCost(ctx context.Context, target models.TargetResource, start, end time.Time) (decimal.Decimal, error) {
	pc, err := s.session.Profile(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	client := pc.Clients.CostExplorer
	period, granularity := usagePeriod(start, end)

	switch target.Type {
	case models.ResourceAWSEC2Instance:
		return resourceCost(ctx, client, period, granularity, serviceEC2, target.ID)
	case models.ResourceAWSRDSInstance:
		return resourceCost(ctx, client, period, granularity, serviceRDS, rdsResourceID(target, pc.AccountID))
	case models.ResourceKubernetesDeployment:
		filter, err := deploymentFilter(target)
		if err != nil {
			return decimal.Zero, err
		}
		return taggedCost(ctx, client, period, granularity, filter)
	default:
		return decimal.Zero, fmt.Errorf("aws cost for %q: %w", target.Type, providers.ErrUnsupportedResource)
	}
}

// ForecastCost implements providers.CostSource.
func (s *Source) ForecastCost(ctx context.Context, target models.TargetResource, start, end time.Time) (decimal.Decimal, error) {
	switch target.Type {
	case models.ResourceKubernetesDeployment:
	case models.ResourceAWSEC2Instance, models.ResourceAWSRDSInstance:
		return decimal.Zero, fmt.Errorf("cost explorer cannot forecast %s: %w", target.Identity(), providers.ErrForecastUnsupported)
	default:
		return decimal.Zero, fmt.Errorf("aws forecast for %q: %w", target.Type, providers.ErrUnsupportedResource)
	}

	pc, err := s.session.Profile(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	filter, err := deploymentFilter(target)
	if err != nil {
		return decimal.Zero, err
	}

	out, err := pc.Clients.CostExplorer.GetCostForecast(ctx, &ce.GetCostForecastInput{
		TimePeriod:  forecastPeriod(start, end),
		Granularity: cetypes.GranularityDaily,
		Metric:      cetypes.MetricUnblendedCost,
		Filter:      filter,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("GetCostForecast: %w", err)
	}
	if out.Total == nil {
		return decimal.Zero, nil
	}
	return parseAmount(out.Total.Amount)
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// resourceCost sums UnblendedCost of one resource ID over the period.
func resourceCost(
	ctx context.Context,
	client common.CostExplorerClient,
	period *cetypes.DateInterval,
	granularity cetypes.Granularity,
	service, resourceID string,
) (decimal.Decimal, error) {
	total := decimal.Zero

	var nextToken *string
	for {
		out, err := client.GetCostAndUsageWithResources(ctx, &ce.GetCostAndUsageWithResourcesInput{
			TimePeriod:  period,
			Granularity: granularity,
			Metrics:     []string{metricUnblended},
			Filter: &cetypes.Expression{
				And: []cetypes.Expression{
					{Dimensions: &cetypes.DimensionValues{
						Key:    cetypes.DimensionService,
						Values: []string{service},
					}},
					{Dimensions: &cetypes.DimensionValues{
						Key:    cetypes.DimensionResourceId,
						Values: []string{resourceID},
					}},
				},
			},
			NextPageToken: nextToken,
		})
		if err != nil {
			return decimal.Zero, fmt.Errorf("GetCostAndUsageWithResources (%s): %w", resourceID, err)
		}

		sum, err := sumResults(out.ResultsByTime)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(sum)

		if out.NextPageToken == nil {
			break
		}
		nextToken = out.NextPageToken
	}
	return total, nil
}

// taggedCost sums UnblendedCost of every line item matching filter.
func taggedCost(
	ctx context.Context,
	client common.CostExplorerClient,
	period *cetypes.DateInterval,
	granularity cetypes.Granularity,
	filter *cetypes.Expression,
) (decimal.Decimal, error) {
	total := decimal.Zero

	var nextToken *string
	for {
		out, err := client.GetCostAndUsage(ctx, &ce.GetCostAndUsageInput{
			TimePeriod:    period,
			Granularity:   granularity,
			Metrics:       []string{metricUnblended},
			Filter:        filter,
			NextPageToken: nextToken,
		})
		if err != nil {
			return decimal.Zero, fmt.Errorf("GetCostAndUsage (eks split cost): %w", err)
		}

		sum, err := sumResults(out.ResultsByTime)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(sum)

		if out.NextPageToken == nil {
			break
		}
		nextToken = out.NextPageToken
	}
	return total, nil
}

func sumResults(results []cetypes.ResultByTime) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, r := range results {
		metric, ok := r.Total[metricUnblended]
		if !ok {
			continue
		}
		amount, err := parseAmount(metric.Amount)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(amount)
	}
	return total, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// deploymentFilter selects the split cost of a "namespace/name" deployment on
// the EKS cluster named by target.Cluster.
func deploymentFilter(target models.TargetResource) (*cetypes.Expression, error) {
	ns, name, ok := strings.Cut(target.ID, "/")
	if !ok || ns == "" || name == "" {
		return nil, fmt.Errorf("kubernetes target id %q: want namespace/name", target.ID)
	}
	if target.Cluster == "" {
		return nil, fmt.Errorf("kubernetes target %s has no cluster", target.Identity())
	}
	return &cetypes.Expression{
		And: []cetypes.Expression{
			tagEquals(tagEKSCluster, target.Cluster),
			tagEquals(tagEKSNamespace, ns),
			tagEquals(tagEKSDeployment, name),
		},
	}, nil
}

func tagEquals(key, value string) cetypes.Expression {
	return cetypes.Expression{Tags: &cetypes.TagValues{
		Key:    aws.String(key),
		Values: []string{value},
	}}
}

// rdsResourceID returns the DB ARN Cost Explorer uses as the RDS resource ID.
func rdsResourceID(target models.TargetResource, accountID string) string {
	if strings.HasPrefix(target.ID, "arn:") {
		return target.ID
	}
	return fmt.Sprintf("arn:aws:rds:%s:%s:db:%s", target.Region, accountID, target.ID)
}

// usagePeriod converts [start, end) to a Cost Explorer interval. Windows
// shorter than hourlyLimit use HOURLY granularity with RFC3339 timestamps;
// longer ones use DAILY granularity widened to whole UTC days.
func usagePeriod(start, end time.Time) (*cetypes.DateInterval, cetypes.Granularity) {
	start, end = start.UTC(), end.UTC()
	if end.Sub(start) < hourlyLimit {
		s := start.Truncate(time.Hour)
		e := ceilTo(end, time.Hour)
		return &cetypes.DateInterval{
			Start: aws.String(s.Format(time.RFC3339)),
			End:   aws.String(e.Format(time.RFC3339)),
		}, cetypes.GranularityHourly
	}
	return dayInterval(start, end), cetypes.GranularityDaily
}

// forecastPeriod widens [start, end) to whole days; the forecast API only
// accepts dates and needs at least one day.
func forecastPeriod(start, end time.Time) *cetypes.DateInterval {
	start, end = start.UTC(), end.UTC()
	if end.Sub(start) < 24*time.Hour {
		end = start.Add(24 * time.Hour)
	}
	return dayInterval(start, end)
}

func dayInterval(start, end time.Time) *cetypes.DateInterval {
	const day = 24 * time.Hour
	s := start.Truncate(day)
	e := ceilTo(end, day)
	if !e.After(s) {
		e = s.Add(day)
	}
	return &cetypes.DateInterval{
		Start: aws.String(s.Format("2006-01-02")),
		End:   aws.String(e.Format("2006-01-02")),
	}
}

func ceilTo(t time.Time, d time.Duration) time.Time {
	tr := t.Truncate(d)
	if tr.Equal(t) {
		return t
	}
	return tr.Add(d)
}

func parseAmount(s *string) (decimal.Decimal, error) {
	if s == nil || *s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse cost amount %q: %w", *s, err)
	}
	return d, nil
}
