package repository

import (
	"context"
	"crop-ledger/internal/models"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
)

// LedgerRepository persists committed ledger calls and loads the full state
// back at startup. It implements chain.Persister.
type LedgerRepository struct {
	db *sqlx.DB
}

func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

type balanceRow struct {
	Account common.Address `db:"account"`
	Balance string         `db:"balance"`
}

type roleRow struct {
	Role      common.Hash `db:"role"`
	AdminRole common.Hash `db:"admin_role"`
}

type memberRow struct {
	Role    common.Hash    `db:"role"`
	Account common.Address `db:"account"`
}

type seasonRow struct {
	Oracle common.Address `db:"oracle"`
	Season int            `db:"season"`
	IsOpen bool           `db:"is_open"`
}

type escrowRow struct {
	Vault  common.Address `db:"vault"`
	Payee  common.Address `db:"payee"`
	Amount string         `db:"amount"`
}

type policyRow struct {
	Contract     common.Address `db:"contract"`
	PolicyKey    common.Hash    `db:"policy_key"`
	FarmID       common.Hash    `db:"farm_id"`
	State        string         `db:"state"`
	Insuree      common.Address `db:"insuree"`
	Government   common.Address `db:"government"`
	Insurer      common.Address `db:"insurer"`
	Size         int64          `db:"size"`
	Region       common.Hash    `db:"region"`
	Season       int            `db:"season"`
	TotalStaked  string         `db:"total_staked"`
	Compensation string         `db:"compensation"`
	Sequence     int64          `db:"sequence"`
}

type switchRow struct {
	Contract common.Address `db:"contract"`
	Active   bool           `db:"active"`
}

// ============================================================================
// PERSIST
// ============================================================================

// Persist writes the changes of one committed call in a single transaction.
func (r *LedgerRepository) Persist(ctx context.Context, changes []models.Change) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, change := range changes {
		if err := r.apply(ctx, tx, change); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger changes: %w", err)
	}
	return nil
}

func (r *LedgerRepository) apply(ctx context.Context, tx *sqlx.Tx, change models.Change) error {
	switch c := change.(type) {
	case models.BalanceChange:
		query := `
			INSERT INTO account_balance (account, balance, updated_at)
			VALUES (:account, :balance, now())
			ON CONFLICT (account) DO UPDATE SET balance = EXCLUDED.balance, updated_at = now()`
		if _, err := tx.NamedExecContext(ctx, query, balanceRow{Account: c.Account, Balance: amountString(c.Balance)}); err != nil {
			return fmt.Errorf("failed to upsert balance: %w", err)
		}

	case models.RoleChange:
		query := `
			INSERT INTO ledger_role (role, admin_role)
			VALUES (:role, :admin_role)
			ON CONFLICT (role) DO NOTHING`
		if _, err := tx.NamedExecContext(ctx, query, roleRow{Role: c.Role, AdminRole: c.Admin}); err != nil {
			return fmt.Errorf("failed to insert role: %w", err)
		}

	case models.RoleMemberChange:
		query := `
			INSERT INTO ledger_role_member (role, account)
			VALUES (:role, :account)
			ON CONFLICT (role, account) DO NOTHING`
		if !c.Member {
			query = `DELETE FROM ledger_role_member WHERE role = :role AND account = :account`
		}
		if _, err := tx.NamedExecContext(ctx, query, memberRow{Role: c.Role, Account: c.Account}); err != nil {
			return fmt.Errorf("failed to update role member: %w", err)
		}

	case models.SeasonChange:
		query := `
			INSERT INTO season_window (oracle, season, is_open, updated_at)
			VALUES (:oracle, :season, :is_open, now())
			ON CONFLICT (oracle, season) DO UPDATE SET is_open = EXCLUDED.is_open, updated_at = now()`
		if _, err := tx.NamedExecContext(ctx, query, seasonRow{Oracle: c.Oracle, Season: int(c.Season), IsOpen: c.Open}); err != nil {
			return fmt.Errorf("failed to upsert season window: %w", err)
		}

	case models.EscrowChange:
		query := `
			INSERT INTO escrow_deposit (vault, payee, amount, updated_at)
			VALUES (:vault, :payee, :amount, now())
			ON CONFLICT (vault, payee) DO UPDATE SET amount = EXCLUDED.amount, updated_at = now()`
		if _, err := tx.NamedExecContext(ctx, query, escrowRow{Vault: c.Vault, Payee: c.Payee, Amount: amountString(c.Amount)}); err != nil {
			return fmt.Errorf("failed to upsert escrow deposit: %w", err)
		}

	case models.PolicyChange:
		query := `
			INSERT INTO insurance_policy (
				contract, policy_key, farm_id, state, insuree, government, insurer,
				size, region, season, total_staked, compensation, sequence, updated_at
			) VALUES (
				:contract, :policy_key, :farm_id, :state, :insuree, :government, :insurer,
				:size, :region, :season, :total_staked, :compensation, :sequence, now()
			)
			ON CONFLICT (contract, policy_key) DO UPDATE SET
				state = EXCLUDED.state,
				government = EXCLUDED.government,
				insurer = EXCLUDED.insurer,
				total_staked = EXCLUDED.total_staked,
				compensation = EXCLUDED.compensation,
				updated_at = now()`
		if _, err := tx.NamedExecContext(ctx, query, newPolicyRow(c)); err != nil {
			return fmt.Errorf("failed to upsert policy: %w", err)
		}

	case models.SwitchChange:
		query := `
			INSERT INTO contract_switch (contract, active, updated_at)
			VALUES (:contract, :active, now())
			ON CONFLICT (contract) DO UPDATE SET active = EXCLUDED.active, updated_at = now()`
		if _, err := tx.NamedExecContext(ctx, query, switchRow{Contract: c.Contract, Active: c.Active}); err != nil {
			return fmt.Errorf("failed to upsert contract switch: %w", err)
		}

	default:
		return fmt.Errorf("unsupported ledger change %T", change)
	}
	return nil
}

// ============================================================================
// LOAD
// ============================================================================

// Load reads the full persisted ledger state.
func (r *LedgerRepository) Load(ctx context.Context) (*models.LedgerSnapshot, error) {
	snap := &models.LedgerSnapshot{}

	var balances []balanceRow
	if err := r.db.SelectContext(ctx, &balances, `SELECT account, balance::text AS balance FROM account_balance`); err != nil {
		return nil, fmt.Errorf("failed to load balances: %w", err)
	}
	for _, row := range balances {
		amount, err := parseAmount(row.Balance)
		if err != nil {
			return nil, fmt.Errorf("failed to load balance of %s: %w", row.Account.Hex(), err)
		}
		snap.Balances = append(snap.Balances, models.BalanceChange{Account: row.Account, Balance: amount})
	}

	var roles []roleRow
	if err := r.db.SelectContext(ctx, &roles, `SELECT role, admin_role FROM ledger_role ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("failed to load roles: %w", err)
	}
	for _, row := range roles {
		snap.Roles = append(snap.Roles, models.RoleChange{Role: row.Role, Admin: row.AdminRole})
	}

	var members []memberRow
	if err := r.db.SelectContext(ctx, &members, `SELECT role, account FROM ledger_role_member`); err != nil {
		return nil, fmt.Errorf("failed to load role members: %w", err)
	}
	for _, row := range members {
		snap.Members = append(snap.Members, models.RoleMemberChange{Role: row.Role, Account: row.Account, Member: true})
	}

	var seasons []seasonRow
	if err := r.db.SelectContext(ctx, &seasons, `SELECT oracle, season, is_open FROM season_window`); err != nil {
		return nil, fmt.Errorf("failed to load season windows: %w", err)
	}
	for _, row := range seasons {
		snap.Seasons = append(snap.Seasons, models.SeasonChange{Oracle: row.Oracle, Season: uint16(row.Season), Open: row.IsOpen})
	}

	var deposits []escrowRow
	if err := r.db.SelectContext(ctx, &deposits, `SELECT vault, payee, amount::text AS amount FROM escrow_deposit`); err != nil {
		return nil, fmt.Errorf("failed to load escrow deposits: %w", err)
	}
	for _, row := range deposits {
		amount, err := parseAmount(row.Amount)
		if err != nil {
			return nil, fmt.Errorf("failed to load escrow deposit of %s: %w", row.Payee.Hex(), err)
		}
		snap.Escrow = append(snap.Escrow, models.EscrowChange{Vault: row.Vault, Payee: row.Payee, Amount: amount})
	}

	var policies []policyRow
	query := `
		SELECT contract, policy_key, farm_id, state, insuree, government, insurer,
			size, region, season, total_staked::text AS total_staked,
			compensation::text AS compensation, sequence
		FROM insurance_policy
		ORDER BY sequence`
	if err := r.db.SelectContext(ctx, &policies, query); err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	for _, row := range policies {
		change, err := row.toChange()
		if err != nil {
			return nil, fmt.Errorf("failed to load policy %s: %w", row.PolicyKey.Hex(), err)
		}
		snap.Policies = append(snap.Policies, change)
	}

	var switches []switchRow
	if err := r.db.SelectContext(ctx, &switches, `SELECT contract, active FROM contract_switch`); err != nil {
		return nil, fmt.Errorf("failed to load contract switches: %w", err)
	}
	for _, row := range switches {
		snap.Switches = append(snap.Switches, models.SwitchChange{Contract: row.Contract, Active: row.Active})
	}

	slog.Info("Loaded ledger state",
		"balances", len(snap.Balances),
		"roles", len(snap.Roles),
		"members", len(snap.Members),
		"policies", len(snap.Policies))
	return snap, nil
}

func newPolicyRow(c models.PolicyChange) policyRow {
	p := c.Policy
	return policyRow{
		Contract:     c.Contract,
		PolicyKey:    p.Key,
		FarmID:       p.FarmID,
		State:        p.State.String(),
		Insuree:      p.Insuree,
		Government:   p.Government,
		Insurer:      p.Insurer,
		Size:         int64(p.Size),
		Region:       p.Region,
		Season:       int(p.Season),
		TotalStaked:  amountString(p.TotalStaked),
		Compensation: amountString(p.Compensation),
		Sequence:     int64(p.Sequence),
	}
}

func (row policyRow) toChange() (models.PolicyChange, error) {
	var state models.PolicyState
	if err := state.UnmarshalText([]byte(row.State)); err != nil {
		return models.PolicyChange{}, err
	}
	staked, err := parseAmount(row.TotalStaked)
	if err != nil {
		return models.PolicyChange{}, err
	}
	compensation, err := parseAmount(row.Compensation)
	if err != nil {
		return models.PolicyChange{}, err
	}
	return models.PolicyChange{
		Contract: row.Contract,
		Policy: models.Policy{
			Key:          row.PolicyKey,
			FarmID:       row.FarmID,
			State:        state,
			Insuree:      row.Insuree,
			Government:   row.Government,
			Insurer:      row.Insurer,
			Size:         uint64(row.Size),
			Region:       row.Region,
			Season:       uint16(row.Season),
			TotalStaked:  staked,
			Compensation: compensation,
			Sequence:     uint64(row.Sequence),
		},
	}, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: invalid amount %q", models.ErrInvalidArgument, s)
	}
	return v, nil
}
