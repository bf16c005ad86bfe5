package services

import (
	"context"
	"crop-ledger/internal/chain"
	"crop-ledger/internal/config"
	"crop-ledger/internal/gatekeeper"
	"crop-ledger/internal/insurance"
	"crop-ledger/internal/metrics"
	"crop-ledger/internal/models"
	"crop-ledger/internal/oracle"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// StateLoader reads persisted ledger state at startup.
type StateLoader interface {
	Load(ctx context.Context) (*models.LedgerSnapshot, error)
}

// SnapshotStore archives policy book snapshots.
type SnapshotStore interface {
	UploadBytes(ctx context.Context, objectName string, data []byte, contentType string) error
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

type Dependencies struct {
	Persister chain.Persister
	Loader    StateLoader
	Sinks     []chain.EventSink
	Metrics   *metrics.LedgerCollector
	Snapshots SnapshotStore
}

// LedgerService owns the host and the deployed components, and is the single
// entry point handlers and workers go through.
type LedgerService struct {
	host       *chain.Host
	gatekeeper *gatekeeper.Gatekeeper
	oracle     *oracle.Facade
	insurance  *insurance.Insurance
	owner      common.Address
	keeper     common.Address
	faucet     bool
	metrics    *metrics.LedgerCollector
	snapshots  SnapshotStore
}

// NewLedgerService deploys the components in a fixed order, so addresses are
// stable across restarts, then restores persisted state or runs genesis.
func NewLedgerService(ctx context.Context, cfg *config.LedgerServiceConfig, deps Dependencies) (*LedgerService, error) {
	opts := []chain.Option{chain.WithLogger(slog.Default())}
	if deps.Persister != nil {
		opts = append(opts, chain.WithPersister(deps.Persister))
	}
	if deps.Metrics != nil {
		opts = append(opts, chain.WithEventSink(deps.Metrics))
	}
	for _, sink := range deps.Sinks {
		opts = append(opts, chain.WithEventSink(sink))
	}
	host := chain.NewHost(opts...)

	owner := cfg.Owner
	gate := gatekeeper.New(host, owner)
	core := oracle.NewCore(host, gate, owner, oracle.Fees{
		OracleFee: cfg.LedgerCfg.OracleFee,
		KeeperFee: cfg.LedgerCfg.OracleKeeperFee,
	})
	facade := oracle.NewFacade(host, core, owner)
	ins := insurance.New(host, gate, facade, owner, insurance.Params{
		PremiumPerArea: cfg.LedgerCfg.PremiumPerArea,
		KeeperFee:      cfg.LedgerCfg.InsuranceKeeperFee,
	})

	s := &LedgerService{
		host:       host,
		gatekeeper: gate,
		oracle:     facade,
		insurance:  ins,
		owner:      owner,
		keeper:     cfg.Keeper,
		faucet:     cfg.DevFaucet,
		metrics:    deps.Metrics,
		snapshots:  deps.Snapshots,
	}

	var snap *models.LedgerSnapshot
	if deps.Loader != nil {
		var err error
		if snap, err = deps.Loader.Load(ctx); err != nil {
			return nil, fmt.Errorf("failed to load ledger state: %w", err)
		}
	}
	if snap == nil || len(snap.Roles) == 0 {
		if err := s.genesis(ctx, cfg.LedgerCfg.GenesisFunds); err != nil {
			return nil, fmt.Errorf("failed to run genesis: %w", err)
		}
	} else if err := s.restore(ctx, snap); err != nil {
		return nil, fmt.Errorf("failed to restore ledger state: %w", err)
	}

	s.observe(ctx)
	slog.Info("Ledger ready",
		"gatekeeper", gate.Address().Hex(),
		"oracle", core.Address().Hex(),
		"insurance", ins.Address().Hex(),
		"owner", owner.Hex())
	return s, nil
}

// genesis persists the root role, defines the well-known roles under
// ADMIN_ROLE, makes the owner an admin, assigns the configured keeper and
// funds the owner.
func (s *LedgerService) genesis(ctx context.Context, funds *big.Int) error {
	ownerMsg := chain.Msg{From: s.owner}
	if err := s.gatekeeper.PersistRoot(ctx, ownerMsg); err != nil {
		return err
	}
	if err := s.gatekeeper.AddRole(ctx, ownerMsg, gatekeeper.AdminRole, gatekeeper.DefaultAdminRole); err != nil {
		return err
	}
	if err := s.gatekeeper.AddAssignment(ctx, ownerMsg, gatekeeper.AdminRole, s.owner); err != nil {
		return err
	}
	for _, role := range []common.Hash{
		gatekeeper.InsurerRole,
		gatekeeper.GovernmentRole,
		gatekeeper.KeeperRole,
		gatekeeper.OracleRole,
		gatekeeper.FarmerRole,
	} {
		if err := s.gatekeeper.AddRole(ctx, ownerMsg, role, gatekeeper.AdminRole); err != nil {
			return err
		}
	}
	if s.keeper != (common.Address{}) {
		if err := s.gatekeeper.AddAssignment(ctx, ownerMsg, gatekeeper.KeeperRole, s.keeper); err != nil {
			return err
		}
	}
	if funds != nil && funds.Sign() > 0 {
		if err := s.host.Mint(ctx, s.owner, funds); err != nil {
			return err
		}
	}
	slog.Info("Genesis complete", "owner", s.owner.Hex(), "keeper", s.keeper.Hex())
	return nil
}

func (s *LedgerService) restore(ctx context.Context, snap *models.LedgerSnapshot) error {
	s.host.RestoreBalances(snap.Balances)
	if !s.gatekeeper.Restore(snap.Roles, snap.Members) {
		// Ledgers written before the root role was stored.
		slog.Warn("Root role not persisted, storing it with the owner as member", "owner", s.owner.Hex())
		if err := s.gatekeeper.PersistRoot(ctx, chain.Msg{From: s.owner}); err != nil {
			return err
		}
	}
	s.oracle.Core().Restore(snap.Seasons)
	s.oracle.Core().Escrow().Restore(snap.Escrow)
	s.insurance.Escrow().Restore(snap.Escrow)
	s.insurance.Restore(snap.Policies, snap.Switches)
	slog.Info("Ledger restored", "balances", len(snap.Balances), "policies", len(snap.Policies))
	return nil
}

func (s *LedgerService) Gatekeeper() *gatekeeper.Gatekeeper { return s.gatekeeper }
func (s *LedgerService) Oracle() *oracle.Facade            { return s.oracle }
func (s *LedgerService) Insurance() *insurance.Insurance   { return s.insurance }
func (s *LedgerService) Owner() common.Address             { return s.owner }
func (s *LedgerService) Keeper() common.Address            { return s.keeper }

func (s *LedgerService) BalanceOf(ctx context.Context, account common.Address) *big.Int {
	return s.host.BalanceOf(ctx, account)
}

// ============================================================================
// GATEKEEPER
// ============================================================================

func (s *LedgerService) AddRole(ctx context.Context, msg chain.Msg, role, adminRole common.Hash) error {
	return s.track(ctx, "add_role", s.gatekeeper.AddRole(ctx, msg, role, adminRole))
}

func (s *LedgerService) AddAssignment(ctx context.Context, msg chain.Msg, role common.Hash, account common.Address) error {
	return s.track(ctx, "add_assignment", s.gatekeeper.AddAssignment(ctx, msg, role, account))
}

func (s *LedgerService) RemoveAssignment(ctx context.Context, msg chain.Msg, role common.Hash, account common.Address) error {
	return s.track(ctx, "remove_assignment", s.gatekeeper.RemoveAssignment(ctx, msg, role, account))
}

// ============================================================================
// ORACLE
// ============================================================================

func (s *LedgerService) OpenSeason(ctx context.Context, msg chain.Msg, season uint16) error {
	return s.track(ctx, "open_season", s.oracle.OpenSeason(ctx, msg, season))
}

func (s *LedgerService) CloseSeason(ctx context.Context, msg chain.Msg, season uint16) error {
	return s.track(ctx, "close_season", s.oracle.CloseSeason(ctx, msg, season))
}

func (s *LedgerService) IsSeasonOpen(ctx context.Context, season uint16) bool {
	return s.oracle.IsSeasonOpen(ctx, season)
}

// FundOracle sends msg.Value to the oracle core to cover keeper fees.
func (s *LedgerService) FundOracle(ctx context.Context, msg chain.Msg) error {
	return s.track(ctx, "fund_oracle", s.host.Send(ctx, msg, s.oracle.Core().Address()))
}

func (s *LedgerService) WithdrawFees(ctx context.Context, msg chain.Msg) error {
	return s.track(ctx, "withdraw_fees", s.oracle.Core().WithdrawFees(ctx, msg))
}

// ============================================================================
// INSURANCE
// ============================================================================

func (s *LedgerService) Register(ctx context.Context, msg chain.Msg, season uint16, region, farmID common.Hash, size uint64) error {
	return s.track(ctx, string(insurance.ActionRegister), s.insurance.Register(ctx, msg, season, region, farmID, size))
}

func (s *LedgerService) Validate(ctx context.Context, msg chain.Msg, season uint16, region, farmID common.Hash) error {
	return s.track(ctx, string(insurance.ActionValidate), s.insurance.Validate(ctx, msg, season, region, farmID))
}

func (s *LedgerService) Activate(ctx context.Context, msg chain.Msg, season uint16, region, farmID common.Hash) error {
	return s.track(ctx, string(insurance.ActionActivate), s.insurance.Activate(ctx, msg, season, region, farmID))
}

// ProvideLiquidity sends msg.Value to the insurance pool.
func (s *LedgerService) ProvideLiquidity(ctx context.Context, msg chain.Msg) error {
	return s.track(ctx, "provide_liquidity", s.host.Send(ctx, msg, s.insurance.Address()))
}

func (s *LedgerService) WithdrawLiquidity(ctx context.Context, msg chain.Msg, amount *big.Int) error {
	return s.track(ctx, "withdraw_liquidity", s.insurance.WithdrawLiquidity(ctx, msg, amount))
}

func (s *LedgerService) WithdrawRefund(ctx context.Context, msg chain.Msg) error {
	return s.track(ctx, "withdraw_refund", s.insurance.WithdrawRefund(ctx, msg))
}

func (s *LedgerService) SwitchContract(ctx context.Context, msg chain.Msg, active bool) error {
	if active {
		return s.track(ctx, "switch_on", s.insurance.SwitchContractOn(ctx, msg))
	}
	return s.track(ctx, "switch_off", s.insurance.SwitchContractOff(ctx, msg))
}

// Faucet mints test funds. It only works when the dev faucet is enabled.
// Transfer moves msg.Value from the caller to another account. Contract
// recipients run their receive hook, so a transfer to the insurance contract
// is a liquidity top-up.
func (s *LedgerService) Transfer(ctx context.Context, msg chain.Msg, to common.Address) error {
	if to == (common.Address{}) {
		return s.track(ctx, "transfer", fmt.Errorf("%w: recipient is required", models.ErrInvalidArgument))
	}
	if msg.Value == nil || msg.Value.Sign() <= 0 {
		return s.track(ctx, "transfer", fmt.Errorf("%w: transfer amount must be positive", models.ErrInvalidArgument))
	}
	return s.track(ctx, "transfer", s.host.Send(ctx, msg, to))
}

func (s *LedgerService) Faucet(ctx context.Context, account common.Address, amount *big.Int) error {
	if !s.faucet {
		return s.track(ctx, "faucet", fmt.Errorf("%w: faucet disabled", models.ErrUnauthorized))
	}
	return s.track(ctx, "faucet", s.host.Mint(ctx, account, amount))
}

// ============================================================================
// SUMMARY AND ARCHIVE
// ============================================================================

func (s *LedgerService) Summary(ctx context.Context) models.LedgerSummary {
	core := s.oracle.Core()
	return models.LedgerSummary{
		Insurance:          s.insurance.Address(),
		Gatekeeper:         s.gatekeeper.Address(),
		Oracle:             core.Address(),
		Active:             s.insurance.IsActive(ctx),
		TotalOpenSize:      s.insurance.TotalOpenSize(ctx),
		TotalOpenContracts: s.insurance.TotalOpenContracts(ctx),
		MinimumAmount:      s.insurance.MinimumAmount(ctx),
		Balance:            s.insurance.GetBalance(ctx),
		PremiumPerArea:     s.insurance.PremiumPerArea(),
		HalfPremiumPerArea: s.insurance.HalfPremiumPerArea(),
		KeeperFee:          s.insurance.KeeperFee(),
		OracleFee:          core.OracleFee(),
		OracleKeeperFee:    core.KeeperFee(),
		OpenSeasons:        core.OpenSeasons(ctx),
	}
}

// ArchiveSnapshot uploads the current policy book and returns the object name.
func (s *LedgerService) ArchiveSnapshot(ctx context.Context) (string, error) {
	if s.snapshots == nil {
		return "", fmt.Errorf("snapshot store not configured")
	}
	now := time.Now().UTC()
	snap := models.PolicyBookSnapshot{
		TakenAt:  now,
		Summary:  s.Summary(ctx),
		Policies: s.insurance.Policies(ctx),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	objectName := fmt.Sprintf("snapshots/%s/%s.json", now.Format("2006/01/02"), uuid.New())
	if err := s.snapshots.UploadBytes(ctx, objectName, data, "application/json"); err != nil {
		return "", fmt.Errorf("failed to archive snapshot: %w", err)
	}
	slog.Info("Policy book archived", "object", objectName, "policies", len(snap.Policies))
	return objectName, nil
}

// ListSnapshots returns archived object names, optionally narrowed to a
// YYYY/MM/DD day prefix.
func (s *LedgerService) ListSnapshots(ctx context.Context, day string) ([]string, error) {
	if s.snapshots == nil {
		return nil, fmt.Errorf("snapshot store not configured")
	}
	prefix := "snapshots/"
	if day != "" {
		prefix += strings.Trim(day, "/") + "/"
	}
	names, err := s.snapshots.ListObjects(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *LedgerService) track(ctx context.Context, operation string, err error) error {
	if err != nil {
		if s.metrics != nil {
			s.metrics.CallRejected(operation, err)
		}
		return err
	}
	s.observe(ctx)
	return nil
}

func (s *LedgerService) observe(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveBook(
		s.insurance.TotalOpenContracts(ctx),
		s.insurance.TotalOpenSize(ctx),
		s.insurance.MinimumAmount(ctx),
		s.insurance.GetBalance(ctx),
	)
}
