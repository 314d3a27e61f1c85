package domain

import "time"

// OperationType enumerates the user operations the core drives through the
// upstream portal.
type OperationType string

const (
	OpStartRenewal        OperationType = "START_RENEWAL"
	OpCompletePurchase    OperationType = "COMPLETE_PURCHASE"
	OpConfirmPurchase     OperationType = "CONFIRM_PURCHASE"
	OpCancelConfirm       OperationType = "CANCEL_CONFIRM"
	OpSignalCheck         OperationType = "SIGNAL_CHECK"
	OpSignalActivate      OperationType = "SIGNAL_ACTIVATE"
	OpSignalRefresh       OperationType = "SIGNAL_REFRESH"
	OpStartInstallment    OperationType = "START_INSTALLMENT"
	OpConfirmInstallment  OperationType = "CONFIRM_INSTALLMENT"
	OpCheckAccountBalance OperationType = "CHECK_ACCOUNT_BALANCE"
)

// Status is the operation's position in the global state chart. Transitions
// are monotonic toward a terminal state; duplicate-delivery guards prevent
// revival from a terminal status.
type Status string

const (
	StatusPending             Status = "PENDING"
	StatusProcessing          Status = "PROCESSING"
	StatusAwaitingCaptcha     Status = "AWAITING_CAPTCHA"
	StatusAwaitingPackage     Status = "AWAITING_PACKAGE"
	StatusCompleting          Status = "COMPLETING"
	StatusAwaitingFinalConfirm Status = "AWAITING_FINAL_CONFIRM"
	StatusCompleted           Status = "COMPLETED"
	StatusFailed              Status = "FAILED"
	StatusCancelled           Status = "CANCELLED"
)

// Terminal reports whether status is one of the three terminal states.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ResponseData is the tagged variant persisted in Operation.ResponseData,
// keyed by processing stage. Exactly one of the pointer fields is set at a
// time; which one is implied by the operation's current Status.
type ResponseData struct {
	AwaitingPackage    *AwaitingPackageSnapshot    `json:"awaitingPackage,omitempty"`
	AwaitingFinalConfirm *AwaitingFinalConfirmSnapshot `json:"awaitingFinalConfirm,omitempty"`
	SignalCheck        *SignalCheckSnapshot        `json:"signalCheck,omitempty"`
	Installment        *InstallmentSnapshot        `json:"installment,omitempty"`
}

// AwaitingPackageSnapshot is persisted when an operation reaches
// AWAITING_PACKAGE.
type AwaitingPackageSnapshot struct {
	Session       Session   `json:"session"`
	DealerBalance float64   `json:"dealerBalance"`
	SavedAt       time.Time `json:"savedAt"`
	SmartcardType string    `json:"smartcardType"`
}

// AwaitingFinalConfirmSnapshot is persisted when COMPLETE_PURCHASE or
// START_INSTALLMENT reaches AWAITING_FINAL_CONFIRM.
type AwaitingFinalConfirmSnapshot struct {
	Session       Session `json:"session"`
	DealerBalance float64 `json:"dealerBalance"`
	SavedAt       time.Time `json:"savedAt"`
	IsInstallment bool    `json:"isInstallment"`
}

// SignalCheckSnapshot is persisted by SIGNAL_CHECK while the operation sits
// at status=COMPLETED awaiting a follow-up SIGNAL_ACTIVATE job.
type SignalCheckSnapshot struct {
	CardStatus       string    `json:"cardStatus"`
	Contracts        []string  `json:"contracts"`
	Session          Session   `json:"session"`
	CheckedAt        time.Time `json:"checkedAt"`
	AwaitingActivate bool      `json:"awaitingActivate"`
}

// InstallmentSnapshot is persisted by START_INSTALLMENT.
type InstallmentSnapshot struct {
	Installment   InstallmentInfo `json:"installment"`
	Subscriber    string          `json:"subscriber"`
	DealerBalance float64         `json:"dealerBalance"`
	IsInstallment bool            `json:"isInstallment"`
}

// InstallmentInfo describes the installment plan the portal offered.
type InstallmentInfo struct {
	Found       bool    `json:"found"`
	Description string  `json:"description"`
	AmountDue   float64 `json:"amountDue"`
}

// Package is a purchasable subscription offering returned by load_packages.
type Package struct {
	ID    string
	Name  string
	Price float64
}

// Operation is the unit of user work and the single source of truth for a
// user operation's state. The job queue's idempotency key is the
// Operation's ID.
type Operation struct {
	ID     string
	UserID string
	Type   OperationType
	Status Status

	CardNumber       string
	LeasedAccountID  string
	Amount           float64 // pending user-ledger deduction
	SelectedPackage  *Package
	STBNumber        string

	AvailablePackages []Package

	CaptchaImage    []byte
	CaptchaSolution string

	ResponseData ResponseData

	HeartbeatTimestamp time.Time
	HeartbeatExpiry    time.Time
	FinalConfirmExpiry time.Time
	CompletedAt        time.Time

	ResponseMessage string

	SmartcardType string // defaults to "CISCO" when the portal omits it

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TransactionKind classifies a ledger entry.
type TransactionKind string

const (
	TxDeposit         TransactionKind = "DEPOSIT"
	TxWithdraw        TransactionKind = "WITHDRAW"
	TxRefund          TransactionKind = "REFUND"
	TxOperationDeduct TransactionKind = "OPERATION_DEDUCT"
	TxCorrection      TransactionKind = "CORRECTION"
)

// Transaction is an append-only ledger entry referencing an operation.
type Transaction struct {
	ID          string
	UserID      string
	OperationID string
	Kind        TransactionKind
	Amount      float64
	CreatedAt   time.Time
}

// Job is the ephemeral work-queue record. Its idempotency key is
// OperationID; duplicate jobs for the same operation must be a safe no-op
// when the operation's status disallows re-processing.
type Job struct {
	OperationID   string
	Type          OperationType
	CardNumber    string
	Duration      string
	PromoCode     string
	UserID        string
	Amount        float64
	AccountID     string
	SmartcardType string
}
