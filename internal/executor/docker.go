package executor

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/go-logr/logr"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	appcontainer "apphost/internal/container"
)

// DefaultContainerPort is the port an image is expected to listen on when
// the app does not configure one.
const DefaultContainerPort = 8080

// dockerAPI is the subset of the Docker client used by DockerExecutor.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
}

// DockerExecutor runs the application image in a container, publishes its
// port on loopback and streams the container output to the app log.
type DockerExecutor struct {
	client      dockerAPI
	platform    *ocispec.Platform
	stopTimeout int
	log         logr.Logger
}

// NewDockerExecutor creates a Docker-based executor. platform is an optional
// "os/arch[/variant]" string.
func NewDockerExecutor(client dockerAPI, platform string, log logr.Logger) (*DockerExecutor, error) {
	p, err := parsePlatform(platform)
	if err != nil {
		return nil, err
	}
	return &DockerExecutor{client: client, platform: p, stopTimeout: 10, log: log}, nil
}

// Launch creates and starts the container and waits for its published port.
func (de *DockerExecutor) Launch(ctx context.Context, spec Spec) (appcontainer.Backend, error) {
	if spec.Runtime.Image == "" {
		return nil, fmt.Errorf("launch %s: no image configured", spec.Instance)
	}
	containerPort := spec.Runtime.Port
	if containerPort == 0 {
		containerPort = DefaultContainerPort
	}
	port, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
	if err != nil {
		return nil, fmt.Errorf("container port: %w", err)
	}
	hostPort, err := freePort()
	if err != nil {
		return nil, err
	}

	env := append([]string{}, spec.Runtime.Env...)
	env = append(env, "PORT="+strconv.Itoa(containerPort))
	containerConfig := &container.Config{
		Image:        spec.Runtime.Image,
		Cmd:          spec.Runtime.Command,
		Env:          env,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels: map[string]string{
			"apphost.app":      spec.App,
			"apphost.instance": spec.Instance,
		},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort)}},
		},
	}

	name := "apphost-" + sanitize(spec.Instance)
	resp, err := de.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, de.platform, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	for _, w := range resp.Warnings {
		de.log.Info("docker warning", "context", spec.Instance, "warning", w)
	}

	c := &dockerContainer{
		client:   de.client,
		id:       resp.ID,
		instance: spec.Instance,
		timeout:  de.stopTimeout,
		log:      de.log,
	}
	if err := de.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		c.remove()
		return nil, fmt.Errorf("start container: %w", err)
	}
	de.log.Info("container started", "context", spec.Instance, "container", shortID(resp.ID), "port", hostPort)

	if err := c.streamLogs(spec); err != nil {
		de.log.Error(err, "stream container logs", "context", spec.Instance)
	}

	addr := "127.0.0.1:" + strconv.Itoa(hostPort)
	if err := waitForPort(ctx, addr, nil); err != nil {
		c.Stop(context.Background())
		return nil, fmt.Errorf("launch %s: %w", spec.Instance, err)
	}
	return newProxyBackend(addr, c.Stop), nil
}

type dockerContainer struct {
	client   dockerAPI
	id       string
	instance string
	timeout  int
	log      logr.Logger

	logs     io.ReadCloser
	stopOnce sync.Once
	stopErr  error
}

// streamLogs copies the demultiplexed container output into the app log.
func (c *dockerContainer) streamLogs(spec Spec) error {
	logFile, err := openLog(spec)
	if err != nil {
		return err
	}
	reader, err := c.client.ContainerLogs(context.Background(), c.id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		logFile.Close()
		return fmt.Errorf("container logs: %w", err)
	}
	c.logs = reader
	go func() {
		defer logFile.Close()
		if _, err := stdcopy.StdCopy(logFile, logFile, reader); err != nil && err != io.EOF {
			c.log.V(1).Info("log stream ended", "context", c.instance, "error", err.Error())
		}
	}()
	return nil
}

// Stop stops and removes the container.
func (c *dockerContainer) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		timeout := c.timeout
		if err := c.client.ContainerStop(ctx, c.id, container.StopOptions{Timeout: &timeout}); err != nil {
			c.log.Error(err, "stop container", "context", c.instance, "container", shortID(c.id))
		}
		if c.logs != nil {
			c.logs.Close()
		}
		c.stopErr = c.remove()
		c.log.V(1).Info("container removed", "context", c.instance, "container", shortID(c.id))
	})
	return c.stopErr
}

func (c *dockerContainer) remove() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.client.ContainerRemove(ctx, c.id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

func parsePlatform(s string) (*ocispec.Platform, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid platform %q, want os/arch[/variant]", s)
	}
	p := &ocispec.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		p.Variant = parts[2]
	}
	return p, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
