package azure

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/thaitype/serverless-rate-limiter/internal/models"
	"github.com/thaitype/serverless-rate-limiter/internal/providers"
)

const costManagementAPIVersion = "2023-11-01"

// maxPages bounds nextLink pagination of one query.
const maxPages = 50

// costColumns are the column names Cost Management uses for the aggregated
// amount, in preference order.
var costColumns = []string{"Cost", "PreTaxCost", "totalCost", "CostUSD"}

// Resource types served by CostSource and Controller.
var Types = []models.ResourceType{
	models.ResourceAzureContainerApp,
	models.ResourceAzureFunctionsApp,
}

// Compile-time interface check.
var _ providers.CostSource = (*CostSource)(nil)

// CostSource implements providers.CostSource on the Cost Management query
// and forecast APIs. Both are filtered to the target's resource ID and run
// against the target's scope, which defaults to its resource group.
type CostSource struct {
	client *Client
}

// NewCostSource returns a CostSource using client.
func NewCostSource(client *Client) *CostSource {
	return &CostSource{client: client}
}

// ActualCost implements providers.CostSource.
func (s *CostSource) ActualCost(ctx context.Context, target models.TargetResource, start, end time.Time) (decimal.Decimal, error) {
	scope, err := costScope(target)
	if err != nil {
		return decimal.Zero, err
	}
	body := queryBody(target.ID, start, end, "None")
	path := fmt.Sprintf("%s/providers/Microsoft.CostManagement/query?api-version=%s", scope, costManagementAPIVersion)
	return s.sum(ctx, path, body, false)
}

// ForecastCost implements providers.CostSource.
func (s *CostSource) ForecastCost(ctx context.Context, target models.TargetResource, start, end time.Time) (decimal.Decimal, error) {
	scope, err := costScope(target)
	if err != nil {
		return decimal.Zero, err
	}
	body := queryBody(target.ID, start, end, "Daily")
	body["includeActualCost"] = false
	body["includeFreshPartialCost"] = false
	path := fmt.Sprintf("%s/providers/Microsoft.CostManagement/forecast?api-version=%s", scope, costManagementAPIVersion)
	return s.sum(ctx, path, body, true)
}

// sum posts the query and adds up the cost column across every page.
func (s *CostSource) sum(ctx context.Context, path string, body map[string]any, forecastOnly bool) (decimal.Decimal, error) {
	total := decimal.Zero
	for page := 0; path != "" && page < maxPages; page++ {
		data, err := s.client.post(ctx, path, body)
		if err != nil {
			return decimal.Zero, fmt.Errorf("cost management query: %w", err)
		}
		amount, err := sumRows(data, forecastOnly)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(amount)
		path = gjson.GetBytes(data, "properties.nextLink").String()
	}
	return total, nil
}

// sumRows adds the cost column of every row in a query result. When
// forecastOnly is set and the result has a CostStatus column, rows whose
// status is not "Forecast" are ignored.
func sumRows(data []byte, forecastOnly bool) (decimal.Decimal, error) {
	if !gjson.ValidBytes(data) {
		return decimal.Zero, fmt.Errorf("cost management response is not JSON")
	}
	columns := gjson.GetBytes(data, "properties.columns").Array()
	costIdx := costColumnIndex(columns)
	if costIdx < 0 {
		return decimal.Zero, fmt.Errorf("cost management response has no cost column")
	}
	statusIdx := -1
	if forecastOnly {
		statusIdx = columnIndex(columns, "CostStatus")
	}

	total := decimal.Zero
	for _, row := range gjson.GetBytes(data, "properties.rows").Array() {
		cells := row.Array()
		if costIdx >= len(cells) {
			continue
		}
		if statusIdx >= 0 && statusIdx < len(cells) && !strings.EqualFold(cells[statusIdx].String(), "Forecast") {
			continue
		}
		amount, err := decimal.NewFromString(cells[costIdx].Raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse cost %q: %w", cells[costIdx].Raw, err)
		}
		total = total.Add(amount)
	}
	return total, nil
}

func costColumnIndex(columns []gjson.Result) int {
	for _, name := range costColumns {
		if i := columnIndex(columns, name); i >= 0 {
			return i
		}
	}
	for i, c := range columns {
		if c.Get("type").String() == "Number" && !strings.EqualFold(c.Get("name").String(), "UsageDate") {
			return i
		}
	}
	return -1
}

func columnIndex(columns []gjson.Result, name string) int {
	for i, c := range columns {
		if strings.EqualFold(c.Get("name").String(), name) {
			return i
		}
	}
	return -1
}

func queryBody(resourceID string, start, end time.Time, granularity string) map[string]any {
	return map[string]any{
		"type":      "ActualCost",
		"timeframe": "Custom",
		"timePeriod": map[string]string{
			"from": start.UTC().Format(time.RFC3339),
			"to":   end.UTC().Format(time.RFC3339),
		},
		"dataset": map[string]any{
			"granularity": granularity,
			"aggregation": map[string]any{
				"totalCost": map[string]string{"name": "Cost", "function": "Sum"},
			},
			"filter": map[string]any{
				"dimensions": map[string]any{
					"name":     "ResourceId",
					"operator": "In",
					"values":   []string{strings.ToLower(resourceID)},
				},
			},
		},
	}
}

// costScope returns target.Scope, or the resource group that contains the
// resource: "/subscriptions/<sub>/resourceGroups/<rg>".
func costScope(target models.TargetResource) (string, error) {
	if target.Scope != "" {
		return "/" + strings.Trim(target.Scope, "/"), nil
	}
	parts := strings.Split(strings.Trim(target.ID, "/"), "/")
	if len(parts) < 4 || !strings.EqualFold(parts[0], "subscriptions") || !strings.EqualFold(parts[2], "resourceGroups") {
		return "", fmt.Errorf("azure resource id %q: want /subscriptions/<sub>/resourceGroups/<rg>/...", target.ID)
	}
	return "/" + strings.Join(parts[:4], "/"), nil
}
