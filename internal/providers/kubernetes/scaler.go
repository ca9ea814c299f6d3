package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/thaitype/serverless-rate-limiter/internal/models"
	"github.com/thaitype/serverless-rate-limiter/internal/providers"
)

// PreviousReplicasAnnotation records the replica count a deployment had
// before it was scaled to zero, for manual restore.
const PreviousReplicasAnnotation = "srl.thaitype.dev/previous-replicas"

// Compile-time interface check.
var _ providers.ResourceController = (*Scaler)(nil)

// Scaler implements providers.ResourceController for KubernetesDeployment
// targets by scaling the deployment to zero. The target ID is
// "namespace/name" and target.Cluster selects the kubeconfig context.
type Scaler struct {
	provider KubeClientProvider
}

// NewScaler returns a Scaler using provider for clientsets.
func NewScaler(provider KubeClientProvider) *Scaler {
	return &Scaler{provider: provider}
}

// Stop implements providers.ResourceController. A deployment already at zero
// replicas is left untouched.
func (s *Scaler) Stop(ctx context.Context, target models.TargetResource) error {
	if target.Type != models.ResourceKubernetesDeployment {
		return fmt.Errorf("kubernetes stop %q: %w", target.Type, providers.ErrUnsupportedResource)
	}
	namespace, name, err := splitID(target.ID)
	if err != nil {
		return err
	}

	client, info, err := s.provider.ClientsetForContext(target.Cluster)
	if err != nil {
		return fmt.Errorf("kubernetes context %q: %w", target.Cluster, err)
	}

	deployments := client.AppsV1().Deployments(namespace)
	dep, err := deployments.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get deployment %s: %w", target.ID, err)
	}

	current := int32(1)
	if dep.Spec.Replicas != nil {
		current = *dep.Spec.Replicas
	}
	if current == 0 {
		return nil
	}

	patch, err := json.Marshal(map[string]any{
		"metadata": map[string]any{
			"annotations": map[string]string{
				PreviousReplicasAnnotation: strconv.Itoa(int(current)),
			},
		},
		"spec": map[string]any{"replicas": 0},
	})
	if err != nil {
		return err
	}
	if _, err := deployments.Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{}); err != nil {
		return fmt.Errorf("scale deployment %s to zero: %w", target.ID, err)
	}

	log.WithFields(log.Fields{
		"context":    info.ContextName,
		"deployment": target.ID,
		"previous":   current,
	}).Debug("deployment scaled to zero")
	return nil
}

func splitID(id string) (namespace, name string, err error) {
	namespace, name, ok := strings.Cut(id, "/")
	if !ok || namespace == "" || name == "" {
		return "", "", fmt.Errorf("kubernetes target id %q: want namespace/name", id)
	}
	return namespace, name, nil
}
