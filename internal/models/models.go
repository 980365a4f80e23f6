// Package models holds the persisted entities of the settlement pipeline.
// All monetary amounts are in bytes, the ledger's native indivisible unit.
package models

import "time"

type (
	// DeviceID identifies a paired user device on the chat transport.
	DeviceID string
	// Address is a ledger address.
	Address string
	// UnitID is the immutable id of a ledger unit.
	UnitID string
)

// Visibility is the user's choice for how the real-name profile is published.
type Visibility string

const (
	VisibilityUnset   Visibility = ""
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Outcome is the verification outcome of a transaction. It is monotonic:
// pending moves to approved or rejected exactly once and is never reversed.
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
)

// AttestationType distinguishes the published claim kinds.
type AttestationType string

const (
	AttestationRealName AttestationType = "real name"
	AttestationNonUS    AttestationType = "nonus"
)

// RewardKind selects which payout table a disbursement is tracked in.
type RewardKind string

const (
	RewardAttestation RewardKind = "attestation"
	RewardReferral    RewardKind = "referral"
	RewardVoucher     RewardKind = "voucher"
)

// User is created on first contact. Address is cleared again whenever a
// payment arrives signed by a different address, forcing a re-bind.
type User struct {
	Device    DeviceID
	Address   Address
	Provider  string
	CreatedAt time.Time
}

// ReceivingAddress is the wallet-issued address a user pays to. One exists
// per (device, user address) pair, lazily allocated from the signer's pool.
type ReceivingAddress struct {
	PaymentAddress Address
	Device         DeviceID
	UserAddress    Address
	Visibility     Visibility
	QuotedPrice    int64
	QuotedAt       time.Time
	CreatedAt      time.Time
}

// Transaction tracks one paid verification from payment detection to
// attestation. Voucher-funded transactions carry zero price and amount and
// no payment unit.
type Transaction struct {
	ID             int64
	PaymentAddress Address
	Price          int64
	ReceivedAmount int64
	PaymentUnit    UnitID
	Confirmed      bool
	ConfirmedAt    *time.Time
	ScanReference  string
	Outcome        Outcome
	DecidedAt      *time.Time
	Profile        []byte
	VoucherCode    string
	CreatedAt      time.Time
}

// TxContext is a transaction joined with its receiving-address identity.
type TxContext struct {
	Tx          Transaction
	Device      DeviceID
	UserAddress Address
	Visibility  Visibility
	Provider    string
}

// AttestationUnit is inserted speculatively before publishing; ClaimUnit is
// set exactly once and is the idempotency guard for "already attested".
type AttestationUnit struct {
	TransactionID int64
	Type          AttestationType
	ClaimUnit     UnitID
	PublishedAt   *time.Time
}

// RewardUnit is the first-time attestation bonus for a transaction. The
// uniqueness of (user address), (user id) and (device) prevents paying the
// same person twice even under concurrent retries.
type RewardUnit struct {
	TransactionID  int64
	Device         DeviceID
	UserAddress    Address
	UserID         string
	Reward         int64
	ContractReward int64
	PayoutUnit     UnitID
	PaidAt         *time.Time
	Donated        *bool
}

// ReferralRewardUnit rewards the referrer (or voucher owner) of a newly
// attested user. Unique per (user address, new user address).
type ReferralRewardUnit struct {
	TransactionID  int64
	UserAddress    Address
	UserID         string
	Device         DeviceID
	NewUserAddress Address
	NewUserID      string
	Reward         int64
	ContractReward int64
	ViaVoucher     bool
	PayoutUnit     UnitID
	PaidAt         *time.Time
}

// RewardRow is the disburser's view of a pending payout: payee identity,
// frozen amounts and the vesting contract address when one exists.
// ViaVoucher marks referral rows accrued to a voucher owner rather than a
// payment-ancestry referrer.
type RewardRow struct {
	TransactionID   int64
	PayeeAddress    Address
	PayeeDevice     DeviceID
	Reward          int64
	ContractReward  int64
	ContractAddress Address
	ViaVoucher      bool
	PayoutUnit      UnitID
	PaidAt          *time.Time
}

// Referrer is a candidate ancestor holding a prior real-name attestation.
type Referrer struct {
	UserAddress Address
	Device      DeviceID
	UserID      string
}

// Voucher is a shared prepaid balance identified by a short code. Balance
// funds attestations; DepositedBalance is the owner-reclaimable subset,
// distinct from referral earnings accrued into the voucher.
type Voucher struct {
	Code             string
	OwnerAddress     Address
	OwnerDevice      DeviceID
	FundingAddress   Address
	UsageLimit       int
	Balance          int64
	DepositedBalance int64
	CreatedAt        time.Time
}

// VoucherCredit reports a deposit applied once its funding payment became
// stable, so the owner can be notified.
type VoucherCredit struct {
	Code             string
	OwnerDevice      DeviceID
	Amount           int64
	FromDistribution bool
}

// Contract is a time-locked payout destination, created once per user and
// reused for all future rewards to that user.
type Contract struct {
	UserAddress     Address
	ContractAddress Address
	VestingDate     time.Time
	CreatedAt       time.Time
}

// RejectedPayment records why an incoming payment was not accepted, keyed by
// the ledger unit so event replays stay idempotent.
type RejectedPayment struct {
	PaymentAddress Address
	Price          int64
	ReceivedAmount int64
	DelaySeconds   int64
	PaymentUnit    UnitID
	Reason         string
	CreatedAt      time.Time
}

// Profile is the normalized identity profile extracted from a verification
// provider payload. Country is ISO-3166 alpha-2. Empty fields are omitted
// from attestation payloads.
type Profile struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	DOB       string `json:"dob,omitempty"`
	Country   string `json:"country,omitempty"`
	USState   string `json:"us_state,omitempty"`
	IDNumber  string `json:"id_number,omitempty"`
	IDType    string `json:"id_type,omitempty"`
	IDSubtype string `json:"id_subtype,omitempty"`
}
