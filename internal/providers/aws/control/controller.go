// Package control suspends AWS resources: EC2 instances are stopped and RDS
// DB instances are stopped (AWS restarts them after seven days on its own).
package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/smithy-go"
	log "github.com/sirupsen/logrus"

	"github.com/thaitype/serverless-rate-limiter/internal/models"
	"github.com/thaitype/serverless-rate-limiter/internal/providers"
	"github.com/thaitype/serverless-rate-limiter/internal/providers/aws/common"
)

// Resource types served by Controller.
var Types = []models.ResourceType{
	models.ResourceAWSEC2Instance,
	models.ResourceAWSRDSInstance,
}

// Compile-time interface check.
var _ providers.ResourceController = (*Controller)(nil)

// Controller implements providers.ResourceController for EC2 and RDS.
// Stop is idempotent: stopping an already stopped or stopping resource
// succeeds.
type Controller struct {
	session *common.Session
}

// NewController returns a Controller that resolves credentials through session.
func NewController(session *common.Session) *Controller {
	return &Controller{session: session}
}

// Stop implements providers.ResourceController.
func (c *Controller) Stop(ctx context.Context, target models.TargetResource) error {
	clients, err := c.session.ClientsForRegion(ctx, target.Region)
	if err != nil {
		return err
	}

	switch target.Type {
	case models.ResourceAWSEC2Instance:
		return stopEC2(ctx, clients.EC2, target.ID)
	case models.ResourceAWSRDSInstance:
		return stopRDS(ctx, clients.RDS, target.ID)
	default:
		return fmt.Errorf("aws stop %q: %w", target.Type, providers.ErrUnsupportedResource)
	}
}

// stopEC2 stops one instance. EC2 treats stopping a stopped instance as a
// no-op, so no state check is needed.
func stopEC2(ctx context.Context, client common.EC2Client, instanceID string) error {
	out, err := client.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return fmt.Errorf("StopInstances %s: %w", instanceID, err)
	}
	for _, change := range out.StoppingInstances {
		log.WithFields(log.Fields{
			"instance": aws.ToString(change.InstanceId),
			"state":    stateName(change.CurrentState),
		}).Debug("ec2 instance state change")
	}
	return nil
}

// stopRDS stops one DB instance. RDS rejects the call with
// InvalidDBInstanceState when the instance is not available; that is treated
// as success when the instance is already stopped or stopping.
func stopRDS(ctx context.Context, client common.RDSClient, identifier string) error {
	_, err := client.StopDBInstance(ctx, &rds.StopDBInstanceInput{
		DBInstanceIdentifier: aws.String(identifier),
	})
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "InvalidDBInstanceState" {
		return fmt.Errorf("StopDBInstance %s: %w", identifier, err)
	}

	out, derr := client.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: aws.String(identifier),
	})
	if derr != nil {
		return fmt.Errorf("StopDBInstance %s: %w (describe: %v)", identifier, err, derr)
	}
	for _, db := range out.DBInstances {
		switch aws.ToString(db.DBInstanceStatus) {
		case "stopped", "stopping":
			return nil
		}
	}
	return fmt.Errorf("StopDBInstance %s: %w", identifier, err)
}

func stateName(s *ec2types.InstanceState) string {
	if s == nil {
		return ""
	}
	return string(s.Name)
}
