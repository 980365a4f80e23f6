// Package vesting manages the time-locked contract each rewarded user gets.
// One contract per user address, created on first reward and reused for all
// later payouts; funds release to the user after the vesting term and fall
// back to the distribution fund if left unclaimed past the reclaim term.
package vesting

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"attestor/internal/ledger"
	"attestor/internal/models"
	"attestor/internal/platform/keylock"
	"attestor/pkg/platform/sentinel"
)

type Store interface {
	ContractByUser(ctx context.Context, user models.Address) (models.Contract, error)
	SaveContract(ctx context.Context, c models.Contract) error
}

type Service struct {
	store  Store
	signer ledger.Signer
	locks  *keylock.Map
	log    *slog.Logger

	termYears      int
	unclaimedYears int
}

func NewService(store Store, signer ledger.Signer, locks *keylock.Map, log *slog.Logger, termYears, unclaimedYears int) *Service {
	return &Service{
		store: store, signer: signer, locks: locks, log: log,
		termYears: termYears, unclaimedYears: unclaimedYears,
	}
}

// ContractFor returns the user's vesting contract, defining one on the
// ledger on first use. Concurrent callers for the same user serialize on the
// address; whoever defines first wins and everyone returns the stored row.
func (s *Service) ContractFor(ctx context.Context, user models.Address, device models.DeviceID) (models.Contract, error) {
	c, err := s.store.ContractByUser(ctx, user)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		return models.Contract{}, err
	}

	err = s.locks.Do("contract-"+string(user), func() error {
		c, err = s.store.ContractByUser(ctx, user)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			return err
		}
		now := time.Now()
		vestingDate := now.AddDate(s.termYears, 0, 0)
		reclaimDate := now.AddDate(s.unclaimedYears, 0, 0)
		addr, err := s.signer.CreateVestingContract(ctx, user, device, vestingDate.Unix(), reclaimDate.Unix())
		if err != nil {
			return err
		}
		c = models.Contract{UserAddress: user, ContractAddress: addr, VestingDate: vestingDate}
		if err := s.store.SaveContract(ctx, c); err != nil {
			return err
		}
		s.log.Info("vesting contract created", "user_address", user, "contract_address", addr)
		c, err = s.store.ContractByUser(ctx, user)
		return err
	})
	if err != nil {
		return models.Contract{}, err
	}
	return c, nil
}
