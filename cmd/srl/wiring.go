package main

import (
	"context"
	"fmt"
	"slices"

	log "github.com/sirupsen/logrus"

	"github.com/thaitype/serverless-rate-limiter/internal/config"
	"github.com/thaitype/serverless-rate-limiter/internal/engine"
	"github.com/thaitype/serverless-rate-limiter/internal/models"
	"github.com/thaitype/serverless-rate-limiter/internal/notify"
	"github.com/thaitype/serverless-rate-limiter/internal/policy"
	"github.com/thaitype/serverless-rate-limiter/internal/providers"
	"github.com/thaitype/serverless-rate-limiter/internal/providers/aws/common"
	awscontrol "github.com/thaitype/serverless-rate-limiter/internal/providers/aws/control"
	awscost "github.com/thaitype/serverless-rate-limiter/internal/providers/aws/cost"
	"github.com/thaitype/serverless-rate-limiter/internal/providers/azure"
	kube "github.com/thaitype/serverless-rate-limiter/internal/providers/kubernetes"
	"github.com/thaitype/serverless-rate-limiter/internal/store"
)

// buildDependencies wires the production adapters. The returned func closes
// the record store.
//
// AWS credentials are resolved lazily by the session, so a deployment that
// targets only Azure never touches the AWS credential chain. Azure adapters
// are registered only when a service principal is configured.
func buildDependencies(ctx context.Context, cfg *config.Config) (engine.Dependencies, func(), error) {
	st, err := store.Open(cfg.Store)
	if err != nil {
		return engine.Dependencies{}, nil, fmt.Errorf("open record store: %w", err)
	}

	costs := providers.NewCostRouter()
	controllers := providers.NewControllerRouter()

	session := common.NewSession(common.NewDefaultAWSClientProvider(cfg.AWS.DefaultRegion), cfg.AWS.DefaultProfile)
	costs.Register(awscost.NewSource(session), awscost.Types...)
	controllers.Register(awscontrol.NewController(session), awscontrol.Types...)

	scaler := kube.NewScaler(kube.NewDefaultKubeClientProvider(cfg.Kubernetes.Kubeconfig))
	controllers.Register(scaler, models.ResourceKubernetesDeployment)

	if cfg.Azure.Configured() {
		client := azure.NewClient(context.WithoutCancel(ctx), cfg.Azure)
		costs.Register(azure.NewCostSource(client), azure.Types...)
		controllers.Register(azure.NewController(client), azure.Types...)
	} else {
		log.Debug("azure service principal not configured; Azure targets are unsupported")
	}

	deps := engine.Dependencies{
		Costs:      costs,
		Controller: controllers,
		Notifier:   notify.NewDefaultRouter(cfg),
		Store:      st,
		Observer:   engine.NewLogObserver(nil),
	}
	closeFn := func() {
		if err := st.Close(); err != nil {
			log.WithError(err).Warn("close record store")
		}
	}
	return deps, closeFn, nil
}

// typedRouter is implemented by providers.CostRouter and ControllerRouter.
type typedRouter interface {
	Types() []models.ResourceType
}

// uncoveredTargets lists "rule/identity" for every enabled target whose type
// has no registered cost source or controller.
func uncoveredTargets(snap *policy.Snapshot, costs, controllers typedRouter) []string {
	var out []string
	for _, rule := range snap.Enabled() {
		for _, t := range rule.TargetResources {
			missing := ""
			switch {
			case costs != nil && !slices.Contains(costs.Types(), t.Type):
				missing = "cost source"
			case controllers != nil && rule.Action == models.ActionStop && !slices.Contains(controllers.Types(), t.Type):
				missing = "controller"
			}
			if missing != "" {
				out = append(out, fmt.Sprintf("%s/%s (no %s)", rule.Name, t.Identity(), missing))
			}
		}
	}
	return out
}

// warnUncovered logs targets the wired adapters cannot serve. They still run
// and fail per target, leaving sibling targets unaffected.
func warnUncovered(snap *policy.Snapshot, deps engine.Dependencies) {
	costs, _ := deps.Costs.(typedRouter)
	controllers, _ := deps.Controller.(typedRouter)
	for _, t := range uncoveredTargets(snap, costs, controllers) {
		log.WithField("target", t).Warn("target type has no provider configured")
	}
}
