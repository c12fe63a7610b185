package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// InfluxConfig holds configuration for the InfluxDB v2 test container.
type InfluxConfig struct {
	// Org is created during setup (default: sensor-monitor)
	Org string
	// Bucket is created during setup (default: sensor-monitor)
	Bucket string
	// Token is the admin token (default: e2e-token)
	Token string
}

// StartInflux starts an InfluxDB v2 container in setup mode and returns it
// with the HTTP URL.
func StartInflux(ctx context.Context, config *InfluxConfig) (testcontainers.Container, string, error) {
	if config == nil {
		config = &InfluxConfig{}
	}
	if config.Org == "" {
		config.Org = "sensor-monitor"
	}
	if config.Bucket == "" {
		config.Bucket = "sensor-monitor"
	}
	if config.Token == "" {
		config.Token = "e2e-token"
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "influxdb:2.7-alpine",
			ExposedPorts: []string{"8086/tcp"},
			WaitingFor:   wait.ForHTTP("/health").WithPort("8086/tcp"),
			Env: map[string]string{
				"DOCKER_INFLUXDB_INIT_MODE":        "setup",
				"DOCKER_INFLUXDB_INIT_USERNAME":    "admin",
				"DOCKER_INFLUXDB_INIT_PASSWORD":    "adminpassword",
				"DOCKER_INFLUXDB_INIT_ORG":         config.Org,
				"DOCKER_INFLUXDB_INIT_BUCKET":      config.Bucket,
				"DOCKER_INFLUXDB_INIT_ADMIN_TOKEN": config.Token,
			},
		},
		Started: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to start InfluxDB container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "8086")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", fmt.Errorf("failed to get container port: %w", err)
	}

	return container, fmt.Sprintf("http://%s:%s", host, port.Port()), nil
}
