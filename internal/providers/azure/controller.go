package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/thaitype/serverless-rate-limiter/internal/models"
	"github.com/thaitype/serverless-rate-limiter/internal/providers"
)

// ARM API versions of the stop actions.
const (
	containerAppsAPIVersion = "2024-03-01"
	sitesAPIVersion         = "2023-12-01"
)

// Compile-time interface check.
var _ providers.ResourceController = (*Controller)(nil)

// Controller implements providers.ResourceController with the ARM stop
// action of the target. A 409 Conflict on a resource that reports itself
// stopped counts as success, so Stop is idempotent.
type Controller struct {
	client *Client
}

// NewController returns a Controller using client.
func NewController(client *Client) *Controller {
	return &Controller{client: client}
}

// Stop implements providers.ResourceController.
func (c *Controller) Stop(ctx context.Context, target models.TargetResource) error {
	var version, stateField string
	switch target.Type {
	case models.ResourceAzureContainerApp:
		version, stateField = containerAppsAPIVersion, "properties.runningStatus"
	case models.ResourceAzureFunctionsApp:
		version, stateField = sitesAPIVersion, "properties.state"
	default:
		return fmt.Errorf("azure stop %q: %w", target.Type, providers.ErrUnsupportedResource)
	}

	id := strings.TrimRight(target.ID, "/")
	_, err := c.client.post(ctx, fmt.Sprintf("%s/stop?api-version=%s", id, version), nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		if stopped, _ := c.isStopped(ctx, id, version, stateField); stopped {
			log.WithField("resource", target.ID).Debug("azure resource already stopped")
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("stop %s: %w", target.ID, err)
	}
	log.WithField("resource", target.ID).Debug("azure stop accepted")
	return nil
}

func (c *Controller) isStopped(ctx context.Context, id, version, stateField string) (bool, error) {
	data, err := c.client.get(ctx, fmt.Sprintf("%s?api-version=%s", id, version))
	if err != nil {
		return false, err
	}
	return strings.EqualFold(gjson.GetBytes(data, stateField).String(), "Stopped"), nil
}
