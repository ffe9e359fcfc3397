package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/makkenzo/key-fulfillment-service/internal/domain/digitalkey"
	"github.com/makkenzo/key-fulfillment-service/internal/handler/dto"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
	"go.uber.org/zap"
)

// KeyService is the admin view of the Key Store. It never moves a key to assigned;
// that only happens through the allocator.
type KeyService struct {
	repo   digitalkey.Repository
	logger *zap.Logger
}

func NewKeyService(repo digitalkey.Repository, logger *zap.Logger) *KeyService {
	return &KeyService{
		repo:   repo,
		logger: logger.Named("KeyService"),
	}
}

func (s *KeyService) ListKeys(ctx context.Context, req *dto.ListKeysRequest) (*dto.PaginatedKeyResponse, error) {
	params := digitalkey.ListParams{
		ProductID: req.ProductID,
		Status:    req.Status,
		OrderID:   req.OrderID,
		Limit:     req.Limit,
		Offset:    req.Offset,
	}
	if req.Provider != nil {
		p := digitalkey.Provider(*req.Provider)
		params.Provider = &p
	}
	if params.Limit <= 0 {
		params.Limit = 20
	}

	keys, total, err := s.repo.List(ctx, params)
	if err != nil {
		s.logger.Error("Failed to list keys from repository", zap.Error(err))
		return nil, fmt.Errorf("repository error listing keys: %w", err)
	}

	resp := &dto.PaginatedKeyResponse{
		Keys:       make([]*dto.KeyResponse, len(keys)),
		TotalCount: total,
		Limit:      params.Limit,
		Offset:     params.Offset,
	}
	for i, k := range keys {
		resp.Keys[i] = dto.NewKeyResponse(k)
	}
	s.logger.Debug("Keys listed", zap.Int("count", len(keys)), zap.Int64("total", total))
	return resp, nil
}

func (s *KeyService) GetKey(ctx context.Context, id uuid.UUID) (*dto.KeyResponse, error) {
	k, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get key %s: %w", id, err)
	}
	return dto.NewKeyResponse(k), nil
}

// RevokeKey is allowed from any state. Revoking a revoked key returns it unchanged.
func (s *KeyService) RevokeKey(ctx context.Context, id uuid.UUID) (*dto.KeyResponse, error) {
	s.logger.Info("Revoking key", zap.String("key_id", id.String()))
	k, err := s.repo.Revoke(ctx, id)
	if err != nil {
		s.logger.Error("Failed to revoke key", zap.String("key_id", id.String()), zap.Error(err))
		return nil, fmt.Errorf("revoke key %s: %w", id, err)
	}
	return dto.NewKeyResponse(k), nil
}

// ReleaseKey returns an assigned key to inventory, e.g. after an order was cancelled
// before delivery. Delivered and revoked keys cannot be released.
func (s *KeyService) ReleaseKey(ctx context.Context, id uuid.UUID) (*dto.KeyResponse, error) {
	s.logger.Info("Releasing key", zap.String("key_id", id.String()))
	k, err := s.repo.Release(ctx, id)
	if err != nil {
		s.logger.Warn("Failed to release key", zap.String("key_id", id.String()), zap.Error(err))
		return nil, fmt.Errorf("release key %s: %w", id, err)
	}
	return dto.NewKeyResponse(k), nil
}

func (s *KeyService) CountAvailable(ctx context.Context, req *dto.InventoryCountRequest) (*dto.InventoryCountResponse, error) {
	if req.ProductID == "" {
		return nil, fmt.Errorf("%w: product_id is required", ierr.ErrValidation)
	}
	n, err := s.repo.CountAvailable(ctx, req.ProductID, req.VariantID)
	if err != nil {
		s.logger.Error("Failed to count available keys", zap.String("product_id", req.ProductID), zap.Error(err))
		return nil, fmt.Errorf("count available keys: %w", err)
	}
	return &dto.InventoryCountResponse{
		ProductID: req.ProductID,
		VariantID: req.VariantID,
		Available: n,
	}, nil
}

func (s *KeyService) Summary(ctx context.Context) (*dto.KeySummaryResponse, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		s.logger.Error("Failed to count keys by status", zap.Error(err))
		return nil, fmt.Errorf("count keys by status: %w", err)
	}

	resp := &dto.KeySummaryResponse{StatusCounts: make(map[digitalkey.Status]int64, 4)}
	for _, st := range []digitalkey.Status{
		digitalkey.StatusAvailable,
		digitalkey.StatusAssigned,
		digitalkey.StatusDelivered,
		digitalkey.StatusRevoked,
	} {
		resp.StatusCounts[st] = counts[st]
		resp.Total += counts[st]
	}
	return resp, nil
}
