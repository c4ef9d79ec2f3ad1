// Package deployment owns the port-allocation policy and the build→run
// pipeline that turns an uploaded app bundle into a running container
// (spec.md §4.5).
package deployment

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/doseidotio/doseid/internal/containerdriver"
	"github.com/doseidotio/doseid/internal/fqdn"
	"github.com/doseidotio/doseid/internal/store"
	"github.com/doseidotio/doseid/internal/telemetry"
)

// ContainerRuntime is the subset of containerdriver.Driver the deployment
// manager needs. Narrowed to an interface so the build→run pipeline can be
// tested without a real container runtime.
type ContainerRuntime interface {
	Build(ctx context.Context, imageTag string, tarStream io.Reader) (<-chan string, error)
	Create(ctx context.Context, name, image string, bindings []containerdriver.PortBinding) (string, error)
	Start(ctx context.Context, id string) error
}

// CertRequester enqueues an asynchronous ACME request. Satisfied by
// *certmanager.Manager; narrowed here to avoid a deploy-time dependency on
// the certificate manager's internal state machine.
type CertRequester interface {
	Request(ownerID uuid.UUID, domain string)
}

// Manager drives the deploy pipeline.
type Manager struct {
	store   *store.Store
	runtime ContainerRuntime
	certs   CertRequester
	log     *slog.Logger
}

// New creates a deployment Manager.
func New(s *store.Store, runtime ContainerRuntime, certs CertRequester, log *slog.Logger) *Manager {
	return &Manager{store: s, runtime: runtime, certs: certs, log: log}
}

// Result is returned to the /deploy handler once the container has started;
// certificate issuance and external verification continue asynchronously.
type Result struct {
	Service    *store.Service
	Deployment *store.Deployment
	BuildLog   []string
}

// Deploy runs the full pipeline: parse manifest (already done by the
// caller), get-or-create the service, create the deployment, build the
// image, start the container, and enqueue certificate/ingress work per
// domain.
func (m *Manager) Deploy(ctx context.Context, ownerID uuid.UUID, manifest Manifest, tarStream io.Reader) (*Result, error) {
	svc, err := m.store.GetOrCreateService(ctx, manifest.Name, ownerID)
	if err != nil {
		return nil, fmt.Errorf("get-or-create service %q: %w", manifest.Name, err)
	}

	var containerPort *int32
	var hostPort *int32
	if manifest.Port != nil {
		cp := int32(*manifest.Port)
		containerPort = &cp

		hp, err := FindAvailableHostPort()
		if err != nil {
			return nil, fmt.Errorf("allocating host port: %w", err)
		}
		hp32 := int32(hp)
		hostPort = &hp32
	}

	dep, err := m.store.CreateDeployment(ctx, svc.ID, ownerID, containerPort, hostPort)
	if err != nil {
		return nil, fmt.Errorf("creating deployment: %w", err)
	}

	imageTag := imageTag(ownerID, svc.ID, dep.ID)

	buildStart := time.Now()
	lines, err := m.runtime.Build(ctx, imageTag, tarStream)
	if err != nil {
		telemetry.BuildDuration.WithLabelValues("error").Observe(time.Since(buildStart).Seconds())
		return nil, fmt.Errorf("starting build: %w", err)
	}
	buildOutcome := "ok"
	var buildLog []string
	for line := range lines {
		buildLog = append(buildLog, line)
		if strings.Contains(strings.ToLower(line), "error") {
			buildOutcome = "error"
			m.log.Error("build reported an error", "deployment_id", dep.ID, "line", line)
		}
	}
	telemetry.BuildDuration.WithLabelValues(buildOutcome).Observe(time.Since(buildStart).Seconds())

	var bindings []containerdriver.PortBinding
	if containerPort != nil && hostPort != nil {
		bindings = append(bindings, containerdriver.PortBinding{
			ContainerPort: int(*containerPort),
			HostIP:        "127.0.0.1",
			HostPort:      int(*hostPort),
		})
	}

	containerID, err := m.runtime.Create(ctx, dep.ID.String(), imageTag, bindings)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	if err := m.runtime.Start(ctx, containerID); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}

	for _, domain := range manifest.Domains {
		m.provisionDomain(ctx, svc, ownerID, domain)
	}

	return &Result{Service: svc, Deployment: dep, BuildLog: buildLog}, nil
}

// provisionDomain enqueues a certificate request (if needed) and ensures an
// ingress row exists for domain. Failures are logged, never surfaced — the
// deploy request has already been accepted (spec.md §4.5).
func (m *Manager) provisionDomain(ctx context.Context, svc *store.Service, ownerID uuid.UUID, domain string) {
	if fqdn.Valid(domain) {
		if _, err := m.store.GetCertificateByDomain(ctx, domain); err != nil {
			m.certs.Request(ownerID, domain)
		}
	}

	if _, err := m.store.EnsureIngress(ctx, svc.ID, ownerID, domain, nil); err != nil {
		m.log.Error("ensuring ingress failed", "domain", domain, "service_id", svc.ID, "error", err)
	}
}

// imageTag returns the globally unique image tag for a deployment
// (spec.md §4.5: "{owner_id}/{service_id}:{deployment_id}").
func imageTag(ownerID, serviceID, deploymentID uuid.UUID) string {
	return fmt.Sprintf("%s/%s:%s", ownerID, serviceID, deploymentID)
}
