package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/thaitype/serverless-rate-limiter/internal/models"
	"github.com/thaitype/serverless-rate-limiter/internal/policy"
	"github.com/thaitype/serverless-rate-limiter/internal/providers/aws/common"
	"github.com/thaitype/serverless-rate-limiter/internal/providers/azure"
	kube "github.com/thaitype/serverless-rate-limiter/internal/providers/kubernetes"
	"github.com/thaitype/serverless-rate-limiter/internal/store"
)

// doctorTimeout bounds every remote check of srl doctor.
const doctorTimeout = 15 * time.Second

// DoctorResult is the structured output of srl doctor. It can be serialised
// to JSON via --format=json or rendered as a human-readable table (default).
//
// Provider sections are Required only when the rules document has a target
// served by that provider; an unrequired section never fails the run.
type DoctorResult struct {
	Rules struct {
		Path   string   `json:"path"`
		Valid  bool     `json:"valid"`
		Rules  int      `json:"rules"`
		Hash   string   `json:"hash,omitempty"`
		Errors []string `json:"errors,omitempty"`
	} `json:"rules"`

	AWS struct {
		Required    bool   `json:"required"`
		Profile     string `json:"profile,omitempty"`
		Credentials bool   `json:"credentials_ok"`
		AccountID   string `json:"account_id,omitempty"`
		Error       string `json:"error,omitempty"`
	} `json:"aws"`

	Kubernetes struct {
		Required bool            `json:"required"`
		Contexts []ContextResult `json:"contexts,omitempty"`
	} `json:"kubernetes"`

	Azure struct {
		Required   bool   `json:"required"`
		Configured bool   `json:"configured"`
		TokenOK    bool   `json:"token_ok"`
		Error      string `json:"error,omitempty"`
	} `json:"azure"`

	Store struct {
		Driver    string `json:"driver"`
		Reachable bool   `json:"reachable"`
		Error     string `json:"error,omitempty"`
	} `json:"store"`

	OverallHealthy bool `json:"overall_healthy"`
}

// ContextResult is the reachability of one kubeconfig context.
type ContextResult struct {
	Name         string `json:"name"`
	Server       string `json:"server,omitempty"`
	APIReachable bool   `json:"api_reachable"`
	Error        string `json:"error,omitempty"`
}

// tokenChecker is satisfied by *azure.Client.
type tokenChecker interface {
	CheckToken(ctx context.Context) error
}

// doctorDeps are the checks srl doctor runs. A nil azure means no service
// principal is configured; a nil store means it failed to open (storeErr).
type doctorDeps struct {
	rulesPath  string
	awsProfile string
	aws        common.AWSClientProvider
	kube       kube.KubeClientProvider
	azure      tokenChecker
	store      store.RecordStore
	storeName  string
	storeErr   error
}

func newDoctorCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run environment diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			cfg, err := loadConfig(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			deps := doctorDeps{
				rulesPath:  cfg.RulesFile,
				awsProfile: cfg.AWS.DefaultProfile,
				aws:        common.NewDefaultAWSClientProvider(cfg.AWS.DefaultRegion),
				kube:       kube.NewDefaultKubeClientProvider(cfg.Kubernetes.Kubeconfig),
				storeName:  cfg.Store.Driver,
			}
			if cfg.Azure.Configured() {
				deps.azure = azure.NewClient(cmd.Context(), cfg.Azure)
			}
			deps.store, deps.storeErr = store.Open(cfg.Store)
			if deps.store != nil {
				defer deps.store.Close()
			}

			result, err := runDoctor(cmd.Context(), deps, cmd.OutOrStdout(), format)
			if err != nil {
				// Rendering failure; let Cobra/main handle it.
				return err
			}
			if !result.OverallHealthy {
				// Exit directly so no error text reaches main.go's
				// fmt.Fprintln(os.Stderr, err) path.
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().String("format", "table", `Output format: "table" or "json"`)
	return cmd
}

// runDoctor collects all diagnostic results, renders them to w in the
// requested format, and returns the result.
// The returned error covers only rendering failures (e.g. JSON encode error).
// Callers must inspect result.OverallHealthy to determine whether the
// environment is healthy.
func runDoctor(ctx context.Context, deps doctorDeps, w io.Writer, format string) (DoctorResult, error) {
	result := collectDoctorResult(ctx, deps)

	switch format {
	case "json":
		if err := json.NewEncoder(w).Encode(result); err != nil {
			return result, fmt.Errorf("encode doctor result: %w", err)
		}
	default:
		renderDoctorTable(result, w)
	}

	return result, nil
}

// collectDoctorResult runs all environment checks and populates a DoctorResult.
// It performs no rendering; callers decide how to present the result.
func collectDoctorResult(ctx context.Context, deps doctorDeps) DoctorResult {
	var result DoctorResult
	ctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()

	// Rules: load → validate → compile. The rest of the checks are scoped to
	// the providers the document actually uses.
	result.Rules.Path = deps.rulesPath
	snap, err := policy.LoadSnapshot(deps.rulesPath)
	if err != nil {
		var cfgErr *policy.ConfigError
		if errors.As(err, &cfgErr) {
			for _, e := range cfgErr.Errs {
				result.Rules.Errors = append(result.Rules.Errors, e.Error())
			}
		} else {
			result.Rules.Errors = []string{err.Error()}
		}
	} else {
		result.Rules.Valid = true
		result.Rules.Rules = len(snap.Rules)
		result.Rules.Hash = snap.Hash
	}
	used := providerUsage(snap)

	// AWS: credentials → STS account ID. Kubernetes cost is read from Cost
	// Explorer too, so Kubernetes targets require AWS.
	result.AWS.Required = used.aws || used.kube
	result.AWS.Profile = deps.awsProfile
	if deps.aws != nil {
		profileCfg, err := deps.aws.LoadProfile(ctx, deps.awsProfile)
		if err != nil {
			result.AWS.Error = err.Error()
		} else {
			result.AWS.Credentials = true
			result.AWS.AccountID = profileCfg.AccountID
		}
	}

	// Kubernetes: kubeconfig load → API reachability check, per context the
	// rules name. The current context is checked when none is named.
	result.Kubernetes.Required = used.kube
	contexts := used.contexts
	if len(contexts) == 0 {
		contexts = []string{""}
	}
	if deps.kube != nil {
		for _, name := range contexts {
			result.Kubernetes.Contexts = append(result.Kubernetes.Contexts, checkContext(ctx, deps.kube, name))
		}
	}

	// Azure: token acquisition only; ARM calls need a concrete resource.
	result.Azure.Required = used.azure
	if deps.azure != nil {
		result.Azure.Configured = true
		if err := deps.azure.CheckToken(ctx); err != nil {
			result.Azure.Error = err.Error()
		} else {
			result.Azure.TokenOK = true
		}
	}

	// Store: open → ping.
	result.Store.Driver = deps.storeName
	if result.Store.Driver == "" {
		result.Store.Driver = "memory"
	}
	switch {
	case deps.storeErr != nil:
		result.Store.Error = deps.storeErr.Error()
	case deps.store == nil:
		result.Store.Error = "not opened"
	default:
		if err := deps.store.Ping(ctx); err != nil {
			result.Store.Error = err.Error()
		} else {
			result.Store.Reachable = true
		}
	}

	kubeOK := true
	for _, c := range result.Kubernetes.Contexts {
		kubeOK = kubeOK && c.APIReachable
	}
	result.OverallHealthy = result.Rules.Valid &&
		result.Store.Reachable &&
		(!result.AWS.Required || result.AWS.Credentials) &&
		(!result.Kubernetes.Required || (deps.kube != nil && kubeOK)) &&
		(!result.Azure.Required || result.Azure.TokenOK)

	return result
}

func checkContext(ctx context.Context, provider kube.KubeClientProvider, name string) ContextResult {
	res := ContextResult{Name: name}
	clientset, info, err := provider.ClientsetForContext(name)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Name = info.ContextName
	res.Server = info.Server
	if _, err := clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{Limit: 1}); err != nil {
		res.Error = err.Error()
		return res
	}
	res.APIReachable = true
	return res
}

// usage records which providers a rules document targets.
type usage struct {
	aws, azure, kube bool
	contexts         []string
}

func providerUsage(snap *policy.Snapshot) usage {
	var u usage
	if snap == nil {
		return u
	}
	for _, rule := range snap.Enabled() {
		for _, t := range rule.TargetResources {
			switch t.Type {
			case models.ResourceAWSEC2Instance, models.ResourceAWSRDSInstance:
				u.aws = true
			case models.ResourceAzureContainerApp, models.ResourceAzureFunctionsApp:
				u.azure = true
			case models.ResourceKubernetesDeployment:
				u.kube = true
				if !slices.Contains(u.contexts, t.Cluster) {
					u.contexts = append(u.contexts, t.Cluster)
				}
			}
		}
	}
	return u
}

// renderDoctorTable writes the human-readable diagnostic output from result to w.
func renderDoctorTable(result DoctorResult, w io.Writer) {
	fmt.Fprintln(w, "Environment Diagnostics")

	fmt.Fprintf(w, "\nRules (%s):\n", result.Rules.Path)
	if result.Rules.Valid {
		doctorPrint(w, "Document valid", "OK", fmt.Sprintf("%d rule(s), hash %.12s", result.Rules.Rules, result.Rules.Hash))
	} else {
		for _, e := range result.Rules.Errors {
			doctorPrint(w, "Document valid", "FAIL", e)
		}
	}

	if result.AWS.Profile != "" {
		fmt.Fprintf(w, "\nAWS (profile: %s):\n", result.AWS.Profile)
	} else {
		fmt.Fprintln(w, "\nAWS:")
	}
	switch {
	case result.AWS.Credentials:
		doctorPrint(w, "STS Identity", "OK", "Account: "+result.AWS.AccountID)
	case result.AWS.Required:
		doctorPrint(w, "STS Identity", "FAIL", result.AWS.Error)
	default:
		doctorPrint(w, "STS Identity", "Not used by rules", result.AWS.Error)
	}

	fmt.Fprintln(w, "\nKubernetes:")
	if len(result.Kubernetes.Contexts) == 0 {
		doctorPrint(w, "Kubeconfig", "Not checked", "")
	}
	for _, c := range result.Kubernetes.Contexts {
		label := "Context " + displayContext(c.Name)
		switch {
		case c.APIReachable:
			doctorPrint(w, label, "OK", c.Server)
		case result.Kubernetes.Required:
			doctorPrint(w, label, "FAIL", c.Error)
		default:
			doctorPrint(w, label, "Not used by rules", c.Error)
		}
	}

	fmt.Fprintln(w, "\nAzure:")
	switch {
	case !result.Azure.Configured && result.Azure.Required:
		doctorPrint(w, "Service principal", "FAIL", "not configured")
	case !result.Azure.Configured:
		doctorPrint(w, "Service principal", "Not configured (optional)", "")
	case result.Azure.TokenOK:
		doctorPrint(w, "Token", "OK", "")
	default:
		doctorPrint(w, "Token", "FAIL", result.Azure.Error)
	}

	fmt.Fprintf(w, "\nRecord store (%s):\n", result.Store.Driver)
	if result.Store.Reachable {
		doctorPrint(w, "Reachable", "OK", "")
	} else {
		doctorPrint(w, "Reachable", "FAIL", result.Store.Error)
	}
}

func displayContext(name string) string {
	if name == "" {
		return "(current)"
	}
	return name
}

// doctorPrint writes a single diagnostic check line to w.
// When detail is non-empty it is appended in parentheses.
func doctorPrint(w io.Writer, label, status, detail string) {
	if detail != "" {
		fmt.Fprintf(w, "  %s: %s (%s)\n", label, status, detail)
	} else {
		fmt.Fprintf(w, "  %s: %s\n", label, status)
	}
}
