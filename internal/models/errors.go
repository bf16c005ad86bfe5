package models

import "errors"

// Ledger errors. Call sites wrap these with a human-readable reason,
// e.g. fmt.Errorf("%w: Restricted to farmers.", ErrUnauthorized), and
// callers match them with errors.Is.
var (
	ErrUnauthorized           = errors.New("unauthorized")
	ErrSeasonNotOpen          = errors.New("season not open")
	ErrContractSuspended      = errors.New("contract suspended")
	ErrContractNotFound       = errors.New("contract not found")
	ErrDuplicateContract      = errors.New("duplicate contract")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInsufficientPayment    = errors.New("insufficient payment")
	ErrInsufficientLiquidity  = errors.New("insufficient liquidity")
	ErrInsufficientFunds      = errors.New("insufficient funds")

	ErrRoleExists       = errors.New("role exists")
	ErrRoleNotFound     = errors.New("role not found")
	ErrAlreadyOpen      = errors.New("season already open")
	ErrAlreadyClosed    = errors.New("season already closed")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrTransferRejected = errors.New("transfer rejected")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrTransferRejected, "TRANSFER_REJECTED"},
	{ErrUnauthorized, "UNAUTHORIZED"},
	{ErrSeasonNotOpen, "SEASON_NOT_OPEN"},
	{ErrContractSuspended, "CONTRACT_SUSPENDED"},
	{ErrContractNotFound, "CONTRACT_NOT_FOUND"},
	{ErrDuplicateContract, "DUPLICATE_CONTRACT"},
	{ErrInvalidStateTransition, "INVALID_STATE_TRANSITION"},
	{ErrInsufficientPayment, "INSUFFICIENT_PAYMENT"},
	{ErrInsufficientLiquidity, "INSUFFICIENT_LIQUIDITY"},
	{ErrInsufficientFunds, "INSUFFICIENT_FUNDS"},
	{ErrRoleExists, "ROLE_EXISTS"},
	{ErrRoleNotFound, "ROLE_NOT_FOUND"},
	{ErrAlreadyOpen, "ALREADY_OPEN"},
	{ErrAlreadyClosed, "ALREADY_CLOSED"},
	{ErrInvalidArgument, "INVALID_ARGUMENT"},
}

// ErrorCode maps err to a stable code string, or "INTERNAL_ERROR" when it
// wraps none of the ledger errors.
func ErrorCode(err error) string {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return "INTERNAL_ERROR"
}
