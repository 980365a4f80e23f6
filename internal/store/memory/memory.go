// Package memory is the in-memory twin of the PostgreSQL store, used by
// service unit tests. Semantics mirror the SQL implementation, including
// which operations report conflicts and which ignore duplicates.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"attestor/internal/models"
	"attestor/pkg/platform/sentinel"
)

// Store holds everything behind one mutex. Fine for tests.
type Store struct {
	mu sync.Mutex

	users        map[models.DeviceID]*models.User
	addresses    map[models.Address]*models.ReceivingAddress
	transactions map[int64]*models.Transaction
	nextTxID     int64

	attestations map[attKey]*models.AttestationUnit
	rewards      map[int64]*models.RewardUnit
	referrals    map[int64]*models.ReferralRewardUnit
	vouchers     map[string]*models.Voucher
	voucherTxs   []*voucherTx
	contracts    map[models.Address]*models.Contract
	rejected     map[models.UnitID]models.RejectedPayment
}

type attKey struct {
	txID int64
	typ  models.AttestationType
}

type voucherTx struct {
	code             string
	transactionID    int64
	amount           int64
	unit             models.UnitID
	fromDistribution bool
	applied          bool
}

func New() *Store {
	return &Store{
		users:        make(map[models.DeviceID]*models.User),
		addresses:    make(map[models.Address]*models.ReceivingAddress),
		transactions: make(map[int64]*models.Transaction),
		attestations: make(map[attKey]*models.AttestationUnit),
		rewards:      make(map[int64]*models.RewardUnit),
		referrals:    make(map[int64]*models.ReferralRewardUnit),
		vouchers:     make(map[string]*models.Voucher),
		contracts:    make(map[models.Address]*models.Contract),
		rejected:     make(map[models.UnitID]models.RejectedPayment),
	}
}

func (s *Store) Health(context.Context) error { return nil }

// --- users ---

func (s *Store) GetOrCreateUser(_ context.Context, device models.DeviceID) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[device]
	if !ok {
		u = &models.User{Device: device, Provider: "jumio", CreatedAt: time.Now()}
		s.users[device] = u
	}
	return *u, nil
}

func (s *Store) BindUserAddress(_ context.Context, device models.DeviceID, addr models.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[device]
	if !ok {
		return sentinel.ErrNotFound
	}
	u.Address = addr
	return nil
}

func (s *Store) ClearUserAddress(_ context.Context, device models.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[device]; ok {
		u.Address = ""
	}
	return nil
}

// --- receiving addresses ---

func (s *Store) ReceivingAddress(_ context.Context, device models.DeviceID, user models.Address) (models.ReceivingAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ra := range s.addresses {
		if ra.Device == device && ra.UserAddress == user {
			return *ra, nil
		}
	}
	return models.ReceivingAddress{}, sentinel.ErrNotFound
}

func (s *Store) ReceivingAddressByPayment(_ context.Context, payment models.Address) (models.ReceivingAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ra, ok := s.addresses[payment]
	if !ok {
		return models.ReceivingAddress{}, sentinel.ErrNotFound
	}
	return *ra, nil
}

func (s *Store) CreateReceivingAddress(_ context.Context, ra models.ReceivingAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.addresses[ra.PaymentAddress]; ok {
		return sentinel.ErrConflict
	}
	for _, existing := range s.addresses {
		if existing.Device == ra.Device && existing.UserAddress == ra.UserAddress {
			return sentinel.ErrConflict
		}
	}
	if ra.CreatedAt.IsZero() {
		ra.CreatedAt = time.Now()
	}
	cp := ra
	s.addresses[ra.PaymentAddress] = &cp
	return nil
}

func (s *Store) UpdateQuote(_ context.Context, payment models.Address, price int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ra, ok := s.addresses[payment]
	if !ok {
		return sentinel.ErrNotFound
	}
	ra.QuotedPrice = price
	ra.QuotedAt = at
	return nil
}

func (s *Store) SetVisibility(_ context.Context, device models.DeviceID, user models.Address, v models.Visibility) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ra := range s.addresses {
		if ra.Device == device && ra.UserAddress == user {
			ra.Visibility = v
			return nil
		}
	}
	return sentinel.ErrNotFound
}

// --- transactions ---

func (s *Store) txContextLocked(tx *models.Transaction) (models.TxContext, error) {
	ra, ok := s.addresses[tx.PaymentAddress]
	if !ok {
		return models.TxContext{}, sentinel.ErrNotFound
	}
	u, ok := s.users[ra.Device]
	if !ok {
		return models.TxContext{}, sentinel.ErrNotFound
	}
	return models.TxContext{
		Tx:          *tx,
		Device:      ra.Device,
		UserAddress: ra.UserAddress,
		Visibility:  ra.Visibility,
		Provider:    u.Provider,
	}, nil
}

func (s *Store) CreateTransaction(_ context.Context, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.PaymentUnit != "" {
		for _, existing := range s.transactions {
			if existing.PaymentUnit == tx.PaymentUnit {
				return sentinel.ErrConflict
			}
		}
	}
	s.nextTxID++
	tx.ID = s.nextTxID
	if tx.Outcome == "" {
		tx.Outcome = models.OutcomePending
	}
	tx.CreatedAt = time.Now()
	cp := *tx
	s.transactions[tx.ID] = &cp
	return nil
}

func (s *Store) TransactionContext(_ context.Context, id int64) (models.TxContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return models.TxContext{}, sentinel.ErrNotFound
	}
	return s.txContextLocked(tx)
}

func (s *Store) TransactionContextByScanRef(_ context.Context, ref string) (models.TxContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.transactions {
		if tx.ScanReference == ref && ref != "" {
			return s.txContextLocked(tx)
		}
	}
	return models.TxContext{}, sentinel.ErrNotFound
}

func (s *Store) TransactionContextsByUnits(_ context.Context, units []models.UnitID) ([]models.TxContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[models.UnitID]bool, len(units))
	for _, u := range units {
		want[u] = true
	}
	var out []models.TxContext
	for _, tx := range s.sortedTxsLocked() {
		if tx.PaymentUnit != "" && want[tx.PaymentUnit] {
			tc, err := s.txContextLocked(tx)
			if err != nil {
				return nil, err
			}
			out = append(out, tc)
		}
	}
	return out, nil
}

func (s *Store) LatestTransactionForAddress(_ context.Context, payment models.Address) (models.TxContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Transaction
	for _, tx := range s.transactions {
		if tx.PaymentAddress != payment {
			continue
		}
		if latest == nil || tx.ID > latest.ID {
			latest = tx
		}
	}
	if latest == nil {
		return models.TxContext{}, sentinel.ErrNotFound
	}
	return s.txContextLocked(latest)
}

func (s *Store) MarkConfirmed(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	tx.Confirmed = true
	tx.ConfirmedAt = &at
	return nil
}

func (s *Store) SetScanReference(_ context.Context, id int64, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	for _, other := range s.transactions {
		if other.ID != id && other.ScanReference == ref {
			return sentinel.ErrConflict
		}
	}
	tx.ScanReference = ref
	return nil
}

func (s *Store) DecideOutcome(_ context.Context, id int64, outcome models.Outcome, profile []byte, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return false, sentinel.ErrNotFound
	}
	if tx.Outcome != models.OutcomePending {
		return false, nil
	}
	tx.Outcome = outcome
	tx.DecidedAt = &at
	tx.Profile = profile
	return true, nil
}

func (s *Store) UnscannedConfirmed(_ context.Context) ([]models.TxContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TxContext
	for _, tx := range s.sortedTxsLocked() {
		if tx.Confirmed && tx.ScanReference == "" {
			tc, err := s.txContextLocked(tx)
			if err != nil {
				return nil, err
			}
			out = append(out, tc)
		}
	}
	return out, nil
}

func (s *Store) PendingScans(_ context.Context) ([]models.TxContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TxContext
	for _, tx := range s.sortedTxsLocked() {
		if tx.ScanReference != "" && tx.Outcome == models.OutcomePending {
			tc, err := s.txContextLocked(tx)
			if err != nil {
				return nil, err
			}
			out = append(out, tc)
		}
	}
	return out, nil
}

func (s *Store) PurgeProfiles(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, tx := range s.transactions {
		if tx.Profile == nil {
			continue
		}
		au, ok := s.attestations[attKey{tx.ID, models.AttestationRealName}]
		if !ok || au.PublishedAt == nil || !au.PublishedAt.Before(cutoff) {
			continue
		}
		tx.Profile = nil
		n++
	}
	return n, nil
}

func (s *Store) sortedTxsLocked() []*models.Transaction {
	out := make([]*models.Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- attestation units ---

func (s *Store) EnsureAttestationUnit(_ context.Context, txID int64, typ models.AttestationType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := attKey{txID, typ}
	if _, ok := s.attestations[key]; ok {
		return false, nil
	}
	s.attestations[key] = &models.AttestationUnit{TransactionID: txID, Type: typ}
	return true, nil
}

func (s *Store) AttestationUnit(_ context.Context, txID int64, typ models.AttestationType) (models.AttestationUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	au, ok := s.attestations[attKey{txID, typ}]
	if !ok {
		return models.AttestationUnit{}, sentinel.ErrNotFound
	}
	return *au, nil
}

func (s *Store) MarkAttestationPublished(_ context.Context, txID int64, typ models.AttestationType, unit models.UnitID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	au, ok := s.attestations[attKey{txID, typ}]
	if !ok {
		return sentinel.ErrNotFound
	}
	if au.ClaimUnit != "" {
		return sentinel.ErrInvalidState
	}
	au.ClaimUnit = unit
	au.PublishedAt = &at
	return nil
}

func (s *Store) UnpublishedAttestations(_ context.Context) ([]models.AttestationUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AttestationUnit
	for _, au := range s.attestations {
		if au.ClaimUnit == "" {
			out = append(out, *au)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionID < out[j].TransactionID })
	return out, nil
}

// --- rewards ---

func (s *Store) InsertRewardUnit(_ context.Context, ru models.RewardUnit) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rewards[ru.TransactionID]; ok {
		return false, nil
	}
	for _, existing := range s.rewards {
		if existing.Device == ru.Device || existing.UserAddress == ru.UserAddress ||
			existing.UserID == ru.UserID {
			return false, nil
		}
	}
	cp := ru
	s.rewards[ru.TransactionID] = &cp
	return true, nil
}

func (s *Store) InsertReferralRewardUnit(_ context.Context, ru models.ReferralRewardUnit) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.referrals[ru.TransactionID]; ok {
		return false, nil
	}
	for _, existing := range s.referrals {
		if existing.UserAddress == ru.UserAddress && existing.NewUserAddress == ru.NewUserAddress {
			return false, nil
		}
	}
	cp := ru
	s.referrals[ru.TransactionID] = &cp
	return true, nil
}

func (s *Store) RewardRow(_ context.Context, kind models.RewardKind, txID int64) (models.RewardRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rr models.RewardRow
	if kind == models.RewardAttestation {
		ru, ok := s.rewards[txID]
		if !ok {
			return models.RewardRow{}, sentinel.ErrNotFound
		}
		rr = models.RewardRow{
			TransactionID: ru.TransactionID,
			PayeeAddress:  ru.UserAddress,
			PayeeDevice:   ru.Device,
			Reward:        ru.Reward, ContractReward: ru.ContractReward,
			PayoutUnit: ru.PayoutUnit, PaidAt: ru.PaidAt,
		}
	} else {
		ru, ok := s.referrals[txID]
		if !ok {
			return models.RewardRow{}, sentinel.ErrNotFound
		}
		rr = models.RewardRow{
			TransactionID: ru.TransactionID,
			PayeeAddress:  ru.UserAddress,
			PayeeDevice:   ru.Device,
			Reward:        ru.Reward, ContractReward: ru.ContractReward,
			ViaVoucher: ru.ViaVoucher,
			PayoutUnit: ru.PayoutUnit, PaidAt: ru.PaidAt,
		}
	}
	if c, ok := s.contracts[rr.PayeeAddress]; ok {
		rr.ContractAddress = c.ContractAddress
	}
	return rr, nil
}

func (s *Store) MarkRewardPaid(_ context.Context, kind models.RewardKind, txID int64, unit models.UnitID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == models.RewardAttestation {
		ru, ok := s.rewards[txID]
		if !ok || ru.PayoutUnit != "" {
			return sentinel.ErrNotFound
		}
		ru.PayoutUnit = unit
		ru.PaidAt = &at
		return nil
	}
	ru, ok := s.referrals[txID]
	if !ok || ru.PayoutUnit != "" {
		return sentinel.ErrNotFound
	}
	ru.PayoutUnit = unit
	ru.PaidAt = &at
	return nil
}

func (s *Store) UnpaidRewards(_ context.Context, kind models.RewardKind, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	if kind == models.RewardAttestation {
		for id, ru := range s.rewards {
			if ru.PayoutUnit == "" && (ru.Donated == nil || !*ru.Donated) {
				out = append(out, id)
			}
		}
	} else {
		for id, ru := range s.referrals {
			if ru.PayoutUnit == "" {
				out = append(out, id)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SetDonated(_ context.Context, txID int64, donated, onlyIfUnset bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ru, ok := s.rewards[txID]
	if !ok {
		return nil
	}
	if onlyIfUnset && ru.Donated != nil {
		return nil
	}
	ru.Donated = &donated
	return nil
}

func (s *Store) DonatedUnpaidRewards(_ context.Context) ([]models.RewardUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RewardUnit
	for _, ru := range s.rewards {
		if ru.Donated != nil && *ru.Donated && ru.PayoutUnit == "" {
			out = append(out, *ru)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionID < out[j].TransactionID })
	return out, nil
}

func (s *Store) MarkRewardsPaidBatch(_ context.Context, txIDs []int64, unit models.UnitID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range txIDs {
		if ru, ok := s.rewards[id]; ok && ru.PayoutUnit == "" {
			ru.PayoutUnit = unit
			ru.PaidAt = &at
		}
	}
	return nil
}

func (s *Store) FindAttestedReferrers(_ context.Context, addrs []models.Address, exclude models.UnitID) ([]models.Referrer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[models.Address]bool, len(addrs))
	for _, a := range addrs {
		want[a] = true
	}
	seen := make(map[models.Address]bool)
	var out []models.Referrer
	for key, au := range s.attestations {
		if key.typ != models.AttestationRealName || au.ClaimUnit == "" {
			continue
		}
		tx, ok := s.transactions[key.txID]
		if !ok {
			continue
		}
		if tx.PaymentUnit != "" && tx.PaymentUnit == exclude {
			continue
		}
		ra, ok := s.addresses[tx.PaymentAddress]
		if !ok || !want[ra.UserAddress] || seen[ra.UserAddress] {
			continue
		}
		ru, ok := s.rewards[key.txID]
		if !ok {
			continue
		}
		seen[ra.UserAddress] = true
		out = append(out, models.Referrer{
			UserAddress: ra.UserAddress,
			Device:      ra.Device,
			UserID:      ru.UserID,
		})
	}
	return out, nil
}

func (s *Store) AttestedUserID(_ context.Context, user models.Address) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ru := range s.rewards {
		if ru.UserAddress != user {
			continue
		}
		au, ok := s.attestations[attKey{ru.TransactionID, models.AttestationRealName}]
		if ok && au.ClaimUnit != "" {
			return ru.UserID, nil
		}
	}
	return "", sentinel.ErrNotFound
}

// --- vouchers ---

func (s *Store) CreateVoucher(_ context.Context, v models.Voucher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vouchers[v.Code]; ok {
		return sentinel.ErrConflict
	}
	for _, existing := range s.vouchers {
		if existing.FundingAddress == v.FundingAddress {
			return sentinel.ErrConflict
		}
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	cp := v
	s.vouchers[v.Code] = &cp
	return nil
}

func (s *Store) VoucherByCode(_ context.Context, code string) (models.Voucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vouchers[code]
	if !ok {
		return models.Voucher{}, sentinel.ErrNotFound
	}
	return *v, nil
}

func (s *Store) VoucherByFunding(_ context.Context, addr models.Address) (models.Voucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.vouchers {
		if v.FundingAddress == addr {
			return *v, nil
		}
	}
	return models.Voucher{}, sentinel.ErrNotFound
}

func (s *Store) VouchersByOwner(_ context.Context, owner models.Address) ([]models.Voucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Voucher
	for _, v := range s.vouchers {
		if v.OwnerAddress == owner {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) SetVoucherLimit(_ context.Context, code string, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vouchers[code]
	if !ok {
		return sentinel.ErrNotFound
	}
	v.UsageLimit = limit
	return nil
}

func (s *Store) VoucherUsageCount(_ context.Context, code string, device models.DeviceID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, tx := range s.transactions {
		if tx.VoucherCode != code {
			continue
		}
		if ra, ok := s.addresses[tx.PaymentAddress]; ok && ra.Device == device {
			n++
		}
	}
	return n, nil
}

func (s *Store) ConsumeVoucher(_ context.Context, code string, payment models.Address, price int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vouchers[code]
	if !ok {
		return 0, sentinel.ErrNotFound
	}
	if v.Balance < price {
		return 0, sentinel.ErrInsufficientFunds
	}
	v.Balance -= price
	if v.DepositedBalance > v.Balance {
		v.DepositedBalance = v.Balance
	}
	s.nextTxID++
	now := time.Now()
	tx := &models.Transaction{
		ID:             s.nextTxID,
		PaymentAddress: payment,
		Confirmed:      true,
		ConfirmedAt:    &now,
		Outcome:        models.OutcomePending,
		VoucherCode:    code,
		CreatedAt:      now,
	}
	s.transactions[tx.ID] = tx
	s.voucherTxs = append(s.voucherTxs, &voucherTx{
		code: code, transactionID: tx.ID, amount: -price, applied: true,
	})
	return tx.ID, nil
}

func (s *Store) RecordVoucherDeposit(_ context.Context, funding models.Address, amount int64, unit models.UnitID, fromDistribution bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, vt := range s.voucherTxs {
		if vt.unit == unit && unit != "" {
			return nil
		}
	}
	for code, v := range s.vouchers {
		if v.FundingAddress == funding {
			s.voucherTxs = append(s.voucherTxs, &voucherTx{
				code: code, amount: amount, unit: unit, fromDistribution: fromDistribution,
			})
			return nil
		}
	}
	return nil
}

func (s *Store) ApplyVoucherDeposits(_ context.Context, units []models.UnitID) ([]models.VoucherCredit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[models.UnitID]bool, len(units))
	for _, u := range units {
		want[u] = true
	}
	var credits []models.VoucherCredit
	for _, vt := range s.voucherTxs {
		if vt.applied || vt.unit == "" || !want[vt.unit] {
			continue
		}
		v := s.vouchers[vt.code]
		vt.applied = true
		v.Balance += vt.amount
		if !vt.fromDistribution {
			v.DepositedBalance += vt.amount
		}
		credits = append(credits, models.VoucherCredit{
			Code:             vt.code,
			OwnerDevice:      v.OwnerDevice,
			Amount:           vt.amount,
			FromDistribution: vt.fromDistribution,
		})
	}
	return credits, nil
}

func (s *Store) ApplyVoucherWithdrawal(_ context.Context, code string, direct, contractAmount int64, unit models.UnitID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vouchers[code]
	if !ok {
		return sentinel.ErrNotFound
	}
	if v.Balance < direct+contractAmount || v.DepositedBalance < direct {
		return sentinel.ErrInsufficientFunds
	}
	v.Balance -= direct + contractAmount
	v.DepositedBalance -= direct
	s.voucherTxs = append(s.voucherTxs, &voucherTx{
		code: code, amount: -(direct + contractAmount), unit: unit, applied: true,
	})
	return nil
}

// --- contracts, rejected payments ---

func (s *Store) ContractByUser(_ context.Context, user models.Address) (models.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[user]
	if !ok {
		return models.Contract{}, sentinel.ErrNotFound
	}
	return *c, nil
}

func (s *Store) SaveContract(_ context.Context, c models.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contracts[c.UserAddress]; ok {
		return nil
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	cp := c
	s.contracts[c.UserAddress] = &cp
	return nil
}

func (s *Store) InsertRejectedPayment(_ context.Context, rp models.RejectedPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rejected[rp.PaymentUnit]; ok {
		return nil
	}
	rp.CreatedAt = time.Now()
	s.rejected[rp.PaymentUnit] = rp
	return nil
}

// RejectedPayment exposes the audit row for tests.
func (s *Store) RejectedPayment(unit models.UnitID) (models.RejectedPayment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp, ok := s.rejected[unit]
	return rp, ok
}
