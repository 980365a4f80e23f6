// Package referral finds who referred a newly attested user by walking the
// funding ancestry of their payment. Whoever's attested address funded the
// payment, directly or through a bounded number of hops, earns the referral
// reward.
package referral

import (
	"context"
	"log/slog"

	"attestor/internal/ledger"
	"attestor/internal/models"
)

// Store looks up attested addresses among payment ancestors.
type Store interface {
	FindAttestedReferrers(ctx context.Context, addrs []models.Address, exclude models.UnitID) ([]models.Referrer, error)
}

// Service resolves referrers.
type Service struct {
	store    Store
	chain    ledger.ChainQuery
	maxDepth int
	log      *slog.Logger
}

func NewService(store Store, chain ledger.ChainQuery, maxDepth int, log *slog.Logger) *Service {
	return &Service{store: store, chain: chain, maxDepth: maxDepth, log: log}
}

// Resolve walks the transfer-input graph of paymentUnit breadth-first, at
// most maxDepth hops, recording the highest main chain index seen for every
// ancestor address across the whole walk. Among the attested ancestors the
// one with the globally highest index is chosen, so the most recent funder
// takes the reward regardless of how many hops away it sits. The new user's
// own address never counts, and neither does the payment unit itself.
func (s *Service) Resolve(ctx context.Context, paymentUnit models.UnitID, newUser models.Address) (*models.Referrer, error) {
	if paymentUnit == "" {
		return nil, nil
	}
	frontier := []models.UnitID{paymentUnit}
	visited := map[models.UnitID]bool{paymentUnit: true}
	maxMCI := make(map[models.Address]int64)
	var addrs []models.Address

	for depth := 0; depth < s.maxDepth && len(frontier) > 0; depth++ {
		inputs, err := s.chain.TransferInputs(ctx, frontier)
		if err != nil {
			return nil, err
		}
		var next []models.UnitID
		for _, in := range inputs {
			if in.Address != newUser {
				if _, ok := maxMCI[in.Address]; !ok {
					addrs = append(addrs, in.Address)
				}
				if in.MainChainIndex > maxMCI[in.Address] {
					maxMCI[in.Address] = in.MainChainIndex
				}
			}
			if !visited[in.SrcUnit] {
				visited[in.SrcUnit] = true
				next = append(next, in.SrcUnit)
			}
		}
		frontier = next
	}

	if len(addrs) == 0 {
		return nil, nil
	}
	referrers, err := s.store.FindAttestedReferrers(ctx, addrs, paymentUnit)
	if err != nil {
		return nil, err
	}
	best := pickLatest(referrers, maxMCI)
	if best != nil {
		s.log.Info("referrer resolved",
			"payment_unit", paymentUnit, "referrer", best.UserAddress)
	}
	return best, nil
}

func pickLatest(referrers []models.Referrer, maxMCI map[models.Address]int64) *models.Referrer {
	var best *models.Referrer
	var bestMCI int64 = -1
	for i := range referrers {
		if mci := maxMCI[referrers[i].UserAddress]; mci > bestMCI {
			best = &referrers[i]
			bestMCI = mci
		}
	}
	return best
}
