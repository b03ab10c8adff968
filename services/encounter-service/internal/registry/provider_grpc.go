//go:build protogen

package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/telemedcore/encounter/libs/grpcx"
	registryv1 "github.com/telemedcore/encounter/protos/gen/registry/v1"
)

type grpcProvider struct {
	client registryv1.RegistryServiceClient
}

func NewProvider(logger *slog.Logger, httpURL, grpcAddr string) Provider {
	if grpcAddr == "" {
		return newHTTPProvider(httpURL)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := grpcx.Dial(ctx, grpcAddr, grpcx.DialOptions{Timeout: 5 * time.Second})
	if err != nil {
		logger.Warn("grpc registry unavailable, falling back to http", "err", err)
		return newHTTPProvider(httpURL)
	}

	logger.Info("grpc registry provider enabled", "addr", grpcAddr)
	return &grpcProvider{client: registryv1.NewRegistryServiceClient(conn)}
}

func (p *grpcProvider) GetProfile(ctx context.Context, id string) (Profile, error) {
	resp, err := p.client.GetUser(ctx, &registryv1.GetUserRequest{UserId: id})
	if err != nil {
		return Profile{}, err
	}
	return Profile{
		ID:    resp.GetId(),
		Name:  resp.GetName(),
		Email: resp.GetEmail(),
		Phone: resp.GetPhone(),
		Role:  resp.GetRole(),
	}, nil
}
