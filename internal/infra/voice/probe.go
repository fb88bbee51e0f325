package voice

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthProbe queries the voice agent's grpc.health.v1 service.
type HealthProbe struct {
	conn    *grpc.ClientConn
	service string
}

// NewHealthProbe creates a probe for endpoint. The connection is
// established lazily on the first Check.
func NewHealthProbe(endpoint, service string, opts ...grpc.DialOption) (*HealthProbe, error) {
	target := endpoint
	if len(opts) == 0 {
		if strings.HasPrefix(endpoint, "https://") || strings.HasSuffix(endpoint, ":443") {
			opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
			target = strings.TrimPrefix(target, "https://")
		} else {
			opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
			target = strings.TrimPrefix(target, "http://")
		}
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", target, err)
	}
	return &HealthProbe{conn: conn, service: service}, nil
}

// Check reports whether the service is SERVING.
func (p *HealthProbe) Check(ctx context.Context) (bool, error) {
	resp, err := healthpb.NewHealthClient(p.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return false, fmt.Errorf("grpc health check: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close closes the connection.
func (p *HealthProbe) Close() error {
	return p.conn.Close()
}
