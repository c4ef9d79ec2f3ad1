// Package containerdriver is a thin contract over the container runtime
// (spec.md §4.4): build images from a tar stream, create/start/stop/remove
// containers, and stream lifecycle events. No orchestration policy lives
// here — that belongs to the deployment manager.
package containerdriver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/events"
	"github.com/moby/moby/api/types/image"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// PortBinding describes a single host→container TCP port mapping.
type PortBinding struct {
	ContainerPort int
	HostIP        string
	HostPort      int
}

// Driver wraps a container-runtime client with the narrow surface doseid
// needs.
type Driver struct {
	cli *client.Client
	log *slog.Logger
}

// New dials the container runtime at host (e.g. "unix:///var/run/docker.sock").
func New(host string, log *slog.Logger) (*Driver, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container runtime client: %w", err)
	}
	return &Driver{cli: cli, log: log}, nil
}

// Ping verifies the runtime is reachable. A failed ping should terminate
// the daemon at startup (spec.md §4.4).
func (d *Driver) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("pinging container runtime: %w", err)
	}
	return nil
}

// Build streams an image build from a tar context, returning each build log
// line. The runtime's build error, if any, is surfaced as the final line.
func (d *Driver) Build(ctx context.Context, imageTag string, tarStream io.Reader) (<-chan string, error) {
	resp, err := d.cli.ImageBuild(ctx, tarStream, image.BuildOptions{
		Tags:       []string{imageTag},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("starting image build: %w", err)
	}

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- decodeBuildLine(scanner.Bytes())
		}
		if err := scanner.Err(); err != nil {
			lines <- fmt.Sprintf("build stream error: %v", err)
		}
	}()
	return lines, nil
}

// buildMessage is the shape of a single JSON-stream line emitted by
// ImageBuild.
type buildMessage struct {
	Stream      string `json:"stream"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

func decodeBuildLine(raw []byte) string {
	var msg buildMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return string(raw)
	}
	if msg.Error != "" {
		if msg.ErrorDetail.Message != "" {
			return msg.ErrorDetail.Message
		}
		return msg.Error
	}
	return msg.Stream
}

// Create creates a container named name from image, exposing containerPort
// and binding the given host ports. tty is always enabled so build/run
// output is line-buffered the way an interactive shell would see it.
func (d *Driver) Create(ctx context.Context, name, image string, bindings []PortBinding) (string, error) {
	exposed := make(map[container.PortRangeProto]struct{}, len(bindings))
	portMap := make(container.PortMap, len(bindings))
	for _, b := range bindings {
		containerPort := container.PortRangeProto(fmt.Sprintf("%d/tcp", b.ContainerPort))
		exposed[containerPort] = struct{}{}
		portMap[containerPort] = []container.PortBinding{{
			HostIP:   b.HostIP,
			HostPort: fmt.Sprintf("%d", b.HostPort),
		}}
	}

	cfg := &container.Config{
		Image:        image,
		Tty:          true,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		PortBindings:  portMap,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", name, err)
	}
	return resp.ID, nil
}

// Start starts a previously created container.
func (d *Driver) Start(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", id, err)
	}
	return nil
}

// Stop stops a running container.
func (d *Driver) Stop(ctx context.Context, id string) error {
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("stopping container %s: %w", id, err)
	}
	return nil
}

// Remove removes a container, forcing removal if it is still running.
func (d *Driver) Remove(ctx context.Context, id string) error {
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("removing container %s: %w", id, err)
	}
	return nil
}

// ListRunning returns summaries of currently running containers.
func (d *Driver) ListRunning(ctx context.Context) ([]container.Summary, error) {
	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing running containers: %w", err)
	}
	return summaries, nil
}

// WatchEvents streams container and image (builder) lifecycle events to log
// until ctx is cancelled or the event stream ends, blocking the caller for
// that whole time. Each event is handled inline and logging is the only
// side effect.
func (d *Driver) WatchEvents(ctx context.Context) {
	msgs, errs := d.cli.Events(ctx, events.ListOptions{})
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			if err != nil && err != io.EOF {
				d.log.Warn("container event stream error", "error", err)
			}
			return
		case msg := <-msgs:
			d.logEvent(msg)
		}
	}
}

func (d *Driver) logEvent(msg events.Message) {
	switch msg.Type {
	case events.ContainerEventType:
		switch msg.Action {
		case events.ActionCreate:
			d.log.Info("container created", "name", msg.Actor.Attributes["name"], "image", msg.Actor.Attributes["image"])
		case events.ActionStart:
			d.log.Info("container started", "name", msg.Actor.Attributes["name"], "image", msg.Actor.Attributes["image"])
		case events.ActionDie:
			d.log.Info("container died",
				"name", msg.Actor.Attributes["name"],
				"image", msg.Actor.Attributes["image"],
				"exit_code", msg.Actor.Attributes["exitCode"],
			)
		default:
			d.log.Warn("container event", "action", msg.Action, "name", msg.Actor.Attributes["name"])
		}
	case events.ImageEventType:
		d.log.Warn("builder event", "action", msg.Action, "id", msg.Actor.ID)
	}
}
