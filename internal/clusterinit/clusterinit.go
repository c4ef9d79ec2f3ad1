// Package clusterinit bootstraps the default account, the dosei and
// dashboard services, and cluster-domain ingress/certificate on daemon
// startup (spec.md §4.8).
package clusterinit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/moby/moby/api/types/container"

	"github.com/doseidotio/doseid/internal/containerdriver"
	"github.com/doseidotio/doseid/internal/deployment"
	"github.com/doseidotio/doseid/internal/fqdn"
	"github.com/doseidotio/doseid/internal/sshauth"
	"github.com/doseidotio/doseid/internal/store"
)

// defaultAccountName is the account that always exists after init
// (spec.md §3).
const defaultAccountName = "dosei"

// BootstrapAccount is one entry of the bootstrap file's "accounts" list.
type BootstrapAccount struct {
	Name    string   `json:"name"`
	SSHKeys []string `json:"ssh_keys"`
}

// Bootstrap is the shape of /var/lib/doseid/cluster-init.json (spec.md §6).
type Bootstrap struct {
	Name           string             `json:"name"`
	DoseiPublicKey string             `json:"dosei_public_key"`
	Accounts       []BootstrapAccount `json:"accounts"`
}

// CertRequester matches certmanager.Manager's async request surface.
type CertRequester interface {
	Request(ownerID uuid.UUID, domain string)
}

// ContainerRuntime is the narrow container-lifecycle surface clusterinit
// needs to (re)run the dashboard container.
type ContainerRuntime interface {
	ListRunning(ctx context.Context) ([]container.Summary, error)
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Create(ctx context.Context, name, image string, bindings []containerdriver.PortBinding) (string, error)
	Start(ctx context.Context, id string) error
}

// clusterName is the process-wide cluster name, set once during init and
// read-only thereafter (spec.md §5, §9 "single global 'current cluster
// name'"). Guarded by mu rather than left as a bare package global so
// concurrent readers during request handling observe a consistent value.
var (
	mu          sync.RWMutex
	clusterName string
)

// ClusterName returns the cluster's configured name. Empty until Run has
// read the bootstrap file.
func ClusterName() string {
	mu.RLock()
	defer mu.RUnlock()
	return clusterName
}

func setClusterName(name string) {
	mu.Lock()
	defer mu.Unlock()
	clusterName = name
}

// Init wires the dependencies clusterinit's Run needs.
type Init struct {
	store   *store.Store
	runtime ContainerRuntime
	certs   CertRequester
	log     *slog.Logger
	version string
}

// New creates an Init.
func New(s *store.Store, runtime ContainerRuntime, certs CertRequester, version string, log *slog.Logger) *Init {
	return &Init{store: s, runtime: runtime, certs: certs, version: version, log: log}
}

// Run reads the bootstrap file at path and reconciles the database to
// match it. Idempotent: running twice with the same file leaves the
// database in the same state (spec.md §8 invariant 6).
func (i *Init) Run(ctx context.Context, path string) error {
	boot, err := readBootstrap(path)
	if err != nil {
		return fmt.Errorf("reading bootstrap file: %w", err)
	}

	setClusterName(boot.Name)

	account, err := i.store.GetOrCreateAccount(ctx, defaultAccountName)
	if err != nil {
		return fmt.Errorf("ensuring default account: %w", err)
	}
	if err := i.attachKey(ctx, account.ID, boot.DoseiPublicKey); err != nil {
		return fmt.Errorf("attaching dosei public key: %w", err)
	}

	if err := i.reconcileAccounts(ctx, boot.Accounts); err != nil {
		return fmt.Errorf("reconciling accounts: %w", err)
	}

	// Installing a default TLS crypto provider is a no-op in Go: unlike
	// the source runtime, crypto/tls has no process-wide provider
	// registration step.
	if fqdn.Valid(boot.Name) {
		if _, err := i.store.GetCertificateByDomain(ctx, boot.Name); err != nil {
			i.certs.Request(account.ID, boot.Name)
		}
	}

	if err := i.ensureClusterService(ctx, account.ID, boot.Name); err != nil {
		return fmt.Errorf("ensuring cluster service: %w", err)
	}

	if err := i.ensureDashboard(ctx, account.ID, boot.Name); err != nil {
		return fmt.Errorf("ensuring dashboard service: %w", err)
	}

	i.log.Info("cluster init complete", "cluster_name", boot.Name)
	return nil
}

func readBootstrap(path string) (*Bootstrap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var boot Bootstrap
	if err := json.Unmarshal(raw, &boot); err != nil {
		return nil, fmt.Errorf("parsing bootstrap json: %w", err)
	}
	if boot.Name == "" || boot.DoseiPublicKey == "" {
		return nil, fmt.Errorf("bootstrap file missing required fields")
	}
	return &boot, nil
}

func (i *Init) attachKey(ctx context.Context, accountID uuid.UUID, publicKey string) error {
	fingerprint, err := sshauth.Fingerprint(publicKey)
	if err != nil {
		return fmt.Errorf("fingerprinting key: %w", err)
	}
	return i.store.EnsureAccountSSHKey(ctx, accountID, publicKey, fingerprint)
}

// reconcileAccounts ensures every account in want exists with its keys
// attached, and deletes any non-default account not in want (spec.md §4.8
// step 4, §8 invariant 7).
func (i *Init) reconcileAccounts(ctx context.Context, want []BootstrapAccount) error {
	wantNames := make(map[string]struct{}, len(want))
	for _, a := range want {
		wantNames[a.Name] = struct{}{}

		account, err := i.store.GetOrCreateAccount(ctx, a.Name)
		if err != nil {
			return fmt.Errorf("ensuring account %q: %w", a.Name, err)
		}
		for _, key := range a.SSHKeys {
			if err := i.attachKey(ctx, account.ID, key); err != nil {
				return fmt.Errorf("attaching key for %q: %w", a.Name, err)
			}
		}
	}

	existing, err := i.store.ListNonDefaultAccounts(ctx, defaultAccountName)
	if err != nil {
		return fmt.Errorf("listing existing accounts: %w", err)
	}
	for _, account := range existing {
		if _, ok := wantNames[account.Name]; !ok {
			if err := i.store.DeleteAccount(ctx, account.ID); err != nil {
				return fmt.Errorf("deleting stale account %q: %w", account.Name, err)
			}
		}
	}
	return nil
}

// ensureClusterService ensures a "dosei" service with one 80→80
// deployment and an ingress mapping the cluster domain to it.
func (i *Init) ensureClusterService(ctx context.Context, ownerID uuid.UUID, domain string) error {
	svc, err := i.store.GetOrCreateService(ctx, "dosei", ownerID)
	if err != nil {
		return err
	}

	deployments, err := i.store.ListDeploymentsByService(ctx, svc.ID)
	if err != nil {
		return err
	}
	if len(deployments) == 0 {
		port := int32(80)
		if _, err := i.store.CreateDeployment(ctx, svc.ID, ownerID, &port, &port); err != nil {
			return err
		}
	}

	_, err = i.store.EnsureIngress(ctx, svc.ID, ownerID, domain, nil)
	return err
}

// dashboardContainerName is the fixed name of the dashboard's container,
// independent of any deployment id (there is exactly one dashboard).
const dashboardContainerName = "dosei-dashboard"

// dashboardContainerPort is the port the dashboard image listens on inside
// its container.
const dashboardContainerPort = 3000

// ensureDashboard ensures a "dashboard" service, a running dashboard
// container at the current daemon version, and an ingress mapping the
// api→dashboard domain substitution (spec.md §4.8, §6 supplemented
// features).
//
// Open question resolved (spec.md §9): the source recreates the dashboard
// container unconditionally on every boot, dropping in-flight requests.
// Here it is recreated only when the running container's image differs
// from the target version-pinned tag.
func (i *Init) ensureDashboard(ctx context.Context, ownerID uuid.UUID, domain string) error {
	svc, err := i.store.GetOrCreateService(ctx, "dashboard", ownerID)
	if err != nil {
		return err
	}

	targetImage := i.dashboardImage()

	running, err := i.runtime.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("listing running containers: %w", err)
	}

	var existing *container.Summary
	for idx := range running {
		for _, name := range running[idx].Names {
			if strings.TrimPrefix(name, "/") == dashboardContainerName {
				existing = &running[idx]
			}
		}
	}

	if existing == nil || existing.Image != targetImage {
		if existing != nil {
			if err := i.runtime.Stop(ctx, existing.ID); err != nil {
				return fmt.Errorf("stopping existing dashboard container: %w", err)
			}
			if err := i.runtime.Remove(ctx, existing.ID); err != nil {
				return fmt.Errorf("removing existing dashboard container: %w", err)
			}
		}

		deployments, err := i.store.ListDeploymentsByService(ctx, svc.ID)
		if err != nil {
			return err
		}
		containerPort := int32(dashboardContainerPort)
		var dep *store.Deployment
		if len(deployments) == 0 {
			hostPort, err := deployment.FindAvailableHostPort()
			if err != nil {
				return fmt.Errorf("allocating dashboard host port: %w", err)
			}
			hp := int32(hostPort)
			dep, err = i.store.CreateDeployment(ctx, svc.ID, ownerID, &containerPort, &hp)
			if err != nil {
				return err
			}
		} else {
			dep = &deployments[0]
		}
		if dep.HostPort == nil {
			return fmt.Errorf("dashboard deployment has no host port")
		}

		containerID, err := i.runtime.Create(ctx, dashboardContainerName, targetImage, []containerdriver.PortBinding{{
			ContainerPort: dashboardContainerPort,
			HostIP:        "127.0.0.1",
			HostPort:      int(*dep.HostPort),
		}})
		if err != nil {
			return fmt.Errorf("creating dashboard container: %w", err)
		}
		if err := i.runtime.Start(ctx, containerID); err != nil {
			return fmt.Errorf("starting dashboard container: %w", err)
		}

		i.log.Info("dashboard container (re)started", "image", targetImage)
	}

	dashboardDomain := strings.Replace(domain, "api", "dashboard", 1)
	_, err = i.store.EnsureIngress(ctx, svc.ID, ownerID, dashboardDomain, nil)
	return err
}

// dashboardImage is the version-pinned dashboard image tag (spec.md §9
// "version pin"): control-plane and dashboard releases stay coupled unless
// an explicit override mechanism is added.
func (i *Init) dashboardImage() string {
	return fmt.Sprintf("doseidotio/dashboard:%s", i.version)
}
