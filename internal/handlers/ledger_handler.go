package handlers

import (
	"crop-ledger/internal/chain"
	"crop-ledger/internal/config"
	"crop-ledger/internal/gatekeeper"
	"crop-ledger/internal/models"
	"crop-ledger/internal/repository"
	"crop-ledger/internal/services"
	"crop-ledger/internal/utils"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v3"
)

const (
	HeaderAccount        = "X-Account-Address"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
)

type LedgerHandler struct {
	ledgerService *services.LedgerService
	idempotency   repository.IdempotencyRepository
}

// NewLedgerHandler builds the HTTP surface of the ledger. idempotency may be
// nil, in which case Idempotency-Key headers are ignored.
func NewLedgerHandler(ledgerService *services.LedgerService, idempotency repository.IdempotencyRepository) *LedgerHandler {
	return &LedgerHandler{
		ledgerService: ledgerService,
		idempotency:   idempotency,
	}
}

func (h *LedgerHandler) Register(app *fiber.App) {
	api := app.Group("ledger/api/v1")

	api.Get("/summary", h.GetSummary)
	api.Get("/accounts/:account", h.GetAccount)

	roles := api.Group("/roles")
	roles.Post("/", h.AddRole)
	roles.Get("/:role/members", h.GetMembers)
	roles.Get("/:role/members/:account", h.HasRole)
	roles.Post("/:role/members", h.AddAssignment)
	roles.Delete("/:role/members/:account", h.RemoveAssignment)

	seasons := api.Group("/seasons")
	seasons.Get("/", h.GetOpenSeasons)
	seasons.Get("/:season", h.GetSeason)
	seasons.Post("/:season/open", h.OpenSeason)
	seasons.Post("/:season/close", h.CloseSeason)

	oracle := api.Group("/oracle")
	oracle.Post("/fund", h.idempotent("fund_oracle", h.FundOracle))
	oracle.Post("/fees/withdraw", h.WithdrawFees)

	// Payable transitions honour Idempotency-Key so a retried request does
	// not pay twice.
	policies := api.Group("/policies")
	policies.Get("/", h.GetPolicies)
	policies.Get("/lookup", h.LookupPolicy)
	policies.Get("/regions/:season/:region", h.GetRegionBook)
	policies.Get("/:key", h.GetPolicyByKey)
	policies.Post("/register", h.idempotent("register", h.RegisterPolicy))
	policies.Post("/validate", h.idempotent("validate", h.ValidatePolicy))
	policies.Post("/activate", h.idempotent("activate", h.ActivatePolicy))

	liquidity := api.Group("/liquidity")
	liquidity.Post("/", h.idempotent("provide_liquidity", h.ProvideLiquidity))
	liquidity.Post("/withdraw", h.idempotent("withdraw_liquidity", h.WithdrawLiquidity))

	api.Post("/transfers", h.idempotent("transfer", h.Transfer))
	api.Post("/refunds/withdraw", h.WithdrawRefund)
	api.Post("/contract/switch", h.SwitchContract)
	api.Post("/faucet", h.Faucet)
	api.Post("/snapshots", h.ArchiveSnapshot)
	api.Get("/snapshots", h.ListSnapshots)
}

// ============================================================================
// READS
// ============================================================================

func (h *LedgerHandler) GetSummary(c fiber.Ctx) error {
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(h.ledgerService.Summary(c.Context())))
}

// GetAccount returns the balance of an account and what it can pull from the
// insurance and oracle escrows.
func (h *LedgerHandler) GetAccount(c fiber.Ctx) error {
	account, err := parseAddress(c.Params("account"))
	if err != nil {
		return h.fail(c, err)
	}
	ctx := c.Context()
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(map[string]any{
		"account":        account,
		"balance":        h.ledgerService.BalanceOf(ctx, account).String(),
		"pending_refund": h.ledgerService.Insurance().PendingRefund(ctx, account).String(),
		"pending_fees":   h.ledgerService.Oracle().Core().PendingFees(ctx, account).String(),
	}))
}

func (h *LedgerHandler) GetMembers(c fiber.Ctx) error {
	role, err := parseRole(c.Params("role"))
	if err != nil {
		return h.fail(c, err)
	}
	ctx := c.Context()
	adminRole, ok := h.ledgerService.Gatekeeper().RoleAdmin(ctx, role)
	if !ok {
		return h.fail(c, fmt.Errorf("%w: %s", models.ErrRoleNotFound, gatekeeper.Label(role)))
	}
	members := h.ledgerService.Gatekeeper().Members(ctx, role)
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(map[string]any{
		"role":       gatekeeper.Label(role),
		"admin_role": gatekeeper.Label(adminRole),
		"members":    members,
		"count":      len(members),
	}))
}

func (h *LedgerHandler) HasRole(c fiber.Ctx) error {
	role, err := parseRole(c.Params("role"))
	if err != nil {
		return h.fail(c, err)
	}
	account, err := parseAddress(c.Params("account"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(map[string]any{
		"role":     gatekeeper.Label(role),
		"account":  account,
		"has_role": h.ledgerService.Gatekeeper().HasRole(c.Context(), role, account),
	}))
}

func (h *LedgerHandler) GetOpenSeasons(c fiber.Ctx) error {
	seasons := h.ledgerService.Oracle().Core().OpenSeasons(c.Context())
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(map[string]any{
		"open_seasons": seasons,
	}))
}

func (h *LedgerHandler) GetSeason(c fiber.Ctx) error {
	season, err := parseSeason(c.Params("season"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(map[string]any{
		"season": season,
		"open":   h.ledgerService.Oracle().IsSeasonOpen(c.Context(), season),
	}))
}

func (h *LedgerHandler) GetPolicies(c fiber.Ctx) error {
	policies := h.ledgerService.Insurance().Policies(c.Context())
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(map[string]any{
		"policies": policies,
		"count":    len(policies),
	}))
}

// LookupPolicy returns the record for ?season=&region=&farm_id=. Unknown
// policies come back as the zero record, not 404.
func (h *LedgerHandler) LookupPolicy(c fiber.Ctx) error {
	season, err := parseSeason(c.Query("season"))
	if err != nil {
		return h.fail(c, err)
	}
	region, farmID, err := parseTags(c.Query("region"), c.Query("farm_id"))
	if err != nil {
		return h.fail(c, err)
	}
	ins := h.ledgerService.Insurance()
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(map[string]any{
		"key":    ins.GetContractKey(season, region, farmID),
		"policy": ins.GetContract(c.Context(), season, region, farmID),
	}))
}

func (h *LedgerHandler) GetPolicyByKey(c fiber.Ctx) error {
	raw := c.Params("key")
	if len(raw) != 2+2*common.HashLength {
		return h.fail(c, fmt.Errorf("%w: policy key must be a 0x-prefixed 32-byte hex string", models.ErrInvalidArgument))
	}
	policy := h.ledgerService.Insurance().GetContractByKey(c.Context(), common.HexToHash(raw))
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(policy))
}

func (h *LedgerHandler) GetRegionBook(c fiber.Ctx) error {
	season, err := parseSeason(c.Params("season"))
	if err != nil {
		return h.fail(c, err)
	}
	regionName := c.Params("region")
	region, err := models.TagFromString(regionName)
	if err != nil {
		return h.fail(c, err)
	}

	ctx := c.Context()
	ins := h.ledgerService.Insurance()
	book := models.RegionBook{
		Season:        season,
		Region:        regionName,
		OpenCount:     ins.GetNumberOpenContracts(ctx, season, region),
		ClosedCount:   ins.GetNumberClosedContracts(ctx, season, region),
		OpenContracts: []string{},
	}
	for i := uint64(0); ; i++ {
		key, ok := ins.GetOpenContractsAt(ctx, season, region, i)
		if !ok {
			break
		}
		book.OpenContracts = append(book.OpenContracts, key.Hex())
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(book))
}

// ============================================================================
// ROLES
// ============================================================================

func (h *LedgerHandler) AddRole(c fiber.Ctx) error {
	msg, err := h.message(c, "")
	if err != nil {
		return h.fail(c, err)
	}
	var req models.AddRoleRequest
	if err := c.Bind().Body(&req); err != nil {
		return h.badBody(c, err)
	}
	role, err := parseRole(req.Role)
	if err != nil {
		return h.fail(c, err)
	}
	adminRole, err := parseRole(req.AdminRole)
	if err != nil {
		return h.fail(c, err)
	}
	if err := h.ledgerService.AddRole(c.Context(), msg, role, adminRole); err != nil {
		return h.fail(c, err)
	}
	return c.Status(http.StatusCreated).JSON(utils.CreateSuccessResponse(map[string]any{
		"role":       role,
		"admin_role": adminRole,
	}))
}

func (h *LedgerHandler) AddAssignment(c fiber.Ctx) error {
	msg, err := h.message(c, "")
	if err != nil {
		return h.fail(c, err)
	}
	role, err := parseRole(c.Params("role"))
	if err != nil {
		return h.fail(c, err)
	}
	var req models.AssignmentRequest
	if err := c.Bind().Body(&req); err != nil {
		return h.badBody(c, err)
	}
	account, err := parseAddress(req.Account)
	if err != nil {
		return h.fail(c, err)
	}
	if err := h.ledgerService.AddAssignment(c.Context(), msg, role, account); err != nil {
		return h.fail(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(map[string]any{
		"role":    gatekeeper.Label(role),
		"account": account,
	}))
}

func (h *LedgerHandler) RemoveAssignment(c fiber.Ctx) error {
	msg, err := h.message(c, "")
	if err != nil {
		return h.fail(c, err)
	}
	role, err := parseRole(c.Params("role"))
	if err != nil {
		return h.fail(c, err)
	}
	account, err := parseAddress(c.Params("account"))
	if err != nil {
		return h.fail(c, err)
	}
	if err := h.ledgerService.RemoveAssignment(c.Context(), msg, role, account); err != nil {
		return h.fail(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(map[string]any{
		"role":    gatekeeper.Label(role),
		"account": account,
	}))
}

// ============================================================================
// SEASONS AND ORACLE
// ============================================================================

func (h *LedgerHandler) OpenSeason(c fiber.Ctx) error {
	return h.toggleSeason(c, true)
}

func (h *LedgerHandler) CloseSeason(c fiber.Ctx) error {
	return h.toggleSeason(c, false)
}

func (h *LedgerHandler) toggleSeason(c fiber.Ctx, open bool) error {
	msg, err := h.message(c, "")
	if err != nil {
		return h.fail(c, err)
	}
	season, err := parseSeason(c.Params("season"))
	if err != nil {
		return h.fail(c, err)
	}
	if open {
		err = h.ledgerService.OpenSeason(c.Context(), msg, season)
	} else {
		err = h.ledgerService.CloseSeason(c.Context(), msg, season)
	}
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(map[string]any{
		"season": season,
		"open":   open,
	}))
}

func (h *LedgerHandler) FundOracle(c fiber.Ctx) error {
	var req models.ValueRequest
	if err := c.Bind().Body(&req); err != nil {
		return h.badBody(c, err)
	}
	msg, err := h.message(c, req.Value)
	if err != nil {
		return h.fail(c, err)
	}
	ctx := c.Context()
	if err := h.ledgerService.FundOracle(ctx, msg); err != nil {
		return h.fail(c, err)
	}
	oracle := h.ledgerService.Oracle().Core().Address()
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(map[string]any{
		"oracle":  oracle,
		"balance": h.ledgerService.BalanceOf(ctx, oracle).String(),
	}))
}

func (h *LedgerHandler) WithdrawFees(c fiber.Ctx) error {
	msg, err := h.message(c, "")
	if err != nil {
		return h.fail(c, err)
	}
	ctx := c.Context()
	amount := h.ledgerService.Oracle().Core().PendingFees(ctx, msg.From)
	if err := h.ledgerService.WithdrawFees(ctx, msg); err != nil {
		return h.fail(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(map[string]any{
		"account": msg.From,
		"amount":  amount.String(),
	}))
}

// ============================================================================
// POLICY LIFECYCLE
// ============================================================================

func (h *LedgerHandler) RegisterPolicy(c fiber.Ctx) error {
	return h.transition(c, func(msg chain.Msg, req models.PolicyRequest, region, farmID common.Hash) error {
		return h.ledgerService.Register(c.Context(), msg, req.Season, region, farmID, req.Size)
	})
}

func (h *LedgerHandler) ValidatePolicy(c fiber.Ctx) error {
	return h.transition(c, func(msg chain.Msg, req models.PolicyRequest, region, farmID common.Hash) error {
		return h.ledgerService.Validate(c.Context(), msg, req.Season, region, farmID)
	})
}

func (h *LedgerHandler) ActivatePolicy(c fiber.Ctx) error {
	return h.transition(c, func(msg chain.Msg, req models.PolicyRequest, region, farmID common.Hash) error {
		return h.ledgerService.Activate(c.Context(), msg, req.Season, region, farmID)
	})
}

// transition parses a policy request, runs fn and answers with the updated
// record.
func (h *LedgerHandler) transition(c fiber.Ctx, fn func(chain.Msg, models.PolicyRequest, common.Hash, common.Hash) error) error {
	var req models.PolicyRequest
	if err := c.Bind().Body(&req); err != nil {
		return h.badBody(c, err)
	}
	msg, err := h.message(c, req.Value)
	if err != nil {
		return h.fail(c, err)
	}
	region, farmID, err := parseTags(req.Region, req.FarmID)
	if err != nil {
		return h.fail(c, err)
	}
	if err := fn(msg, req, region, farmID); err != nil {
		return h.fail(c, err)
	}
	policy := h.ledgerService.Insurance().GetContract(c.Context(), req.Season, region, farmID)
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(policy))
}

// ============================================================================
// LIQUIDITY, REFUNDS AND ADMIN
// ============================================================================

func (h *LedgerHandler) ProvideLiquidity(c fiber.Ctx) error {
	var req models.ValueRequest
	if err := c.Bind().Body(&req); err != nil {
		return h.badBody(c, err)
	}
	msg, err := h.message(c, req.Value)
	if err != nil {
		return h.fail(c, err)
	}
	ctx := c.Context()
	if err := h.ledgerService.ProvideLiquidity(ctx, msg); err != nil {
		return h.fail(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(map[string]any{
		"balance": h.ledgerService.Insurance().GetBalance(ctx).String(),
	}))
}

func (h *LedgerHandler) WithdrawLiquidity(c fiber.Ctx) error {
	msg, err := h.message(c, "")
	if err != nil {
		return h.fail(c, err)
	}
	var req models.WithdrawLiquidityRequest
	if err := c.Bind().Body(&req); err != nil {
		return h.badBody(c, err)
	}
	amount, err := config.ParseWei(req.Amount)
	if err != nil {
		return h.fail(c, err)
	}
	ctx := c.Context()
	if err := h.ledgerService.WithdrawLiquidity(ctx, msg, amount); err != nil {
		return h.fail(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(map[string]any{
		"amount":  amount.String(),
		"balance": h.ledgerService.Insurance().GetBalance(ctx).String(),
	}))
}

func (h *LedgerHandler) WithdrawRefund(c fiber.Ctx) error {
	msg, err := h.message(c, "")
	if err != nil {
		return h.fail(c, err)
	}
	ctx := c.Context()
	amount := h.ledgerService.Insurance().PendingRefund(ctx, msg.From)
	if err := h.ledgerService.WithdrawRefund(ctx, msg); err != nil {
		return h.fail(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(map[string]any{
		"account": msg.From,
		"amount":  amount.String(),
	}))
}

func (h *LedgerHandler) SwitchContract(c fiber.Ctx) error {
	msg, err := h.message(c, "")
	if err != nil {
		return h.fail(c, err)
	}
	var req models.SwitchRequest
	if err := c.Bind().Body(&req); err != nil {
		return h.badBody(c, err)
	}
	if err := h.ledgerService.SwitchContract(c.Context(), msg, req.Active); err != nil {
		return h.fail(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(map[string]any{
		"active": req.Active,
	}))
}

// Transfer moves value between accounts, e.g. an owner funding farmers and
// insurers out of the genesis allocation.
func (h *LedgerHandler) Transfer(c fiber.Ctx) error {
	var req models.TransferRequest
	if err := c.Bind().Body(&req); err != nil {
		return h.badBody(c, err)
	}
	msg, err := h.message(c, req.Value)
	if err != nil {
		return h.fail(c, err)
	}
	to, err := parseAddress(req.To)
	if err != nil {
		return h.fail(c, err)
	}
	ctx := c.Context()
	if err := h.ledgerService.Transfer(ctx, msg, to); err != nil {
		return h.fail(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(map[string]any{
		"from":         msg.From,
		"to":           to,
		"from_balance": h.ledgerService.BalanceOf(ctx, msg.From).String(),
		"to_balance":   h.ledgerService.BalanceOf(ctx, to).String(),
	}))
}

func (h *LedgerHandler) Faucet(c fiber.Ctx) error {
	var req models.FaucetRequest
	if err := c.Bind().Body(&req); err != nil {
		return h.badBody(c, err)
	}
	account, err := parseAddress(req.Account)
	if err != nil {
		return h.fail(c, err)
	}
	amount, err := config.ParseWei(req.Amount)
	if err != nil {
		return h.fail(c, err)
	}
	ctx := c.Context()
	if err := h.ledgerService.Faucet(ctx, account, amount); err != nil {
		return h.fail(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(map[string]any{
		"account": account,
		"balance": h.ledgerService.BalanceOf(ctx, account).String(),
	}))
}

func (h *LedgerHandler) ArchiveSnapshot(c fiber.Ctx) error {
	object, err := h.ledgerService.ArchiveSnapshot(c.Context())
	if err != nil {
		slog.Error("Failed to archive snapshot", "error", err)
		return c.Status(http.StatusServiceUnavailable).JSON(
			utils.CreateRetryableResponse("ARCHIVE_FAILED", "Failed to archive policy book"))
	}
	return c.Status(http.StatusCreated).JSON(utils.CreateSuccessResponse(map[string]any{
		"object": object,
	}))
}

// ListSnapshots accepts an optional ?day=YYYY/MM/DD filter.
func (h *LedgerHandler) ListSnapshots(c fiber.Ctx) error {
	day := c.Query("day")
	if day != "" {
		if _, err := time.Parse("2006/01/02", day); err != nil {
			return h.fail(c, fmt.Errorf("%w: day must be YYYY/MM/DD", models.ErrInvalidArgument))
		}
	}
	names, err := h.ledgerService.ListSnapshots(c.Context(), day)
	if err != nil {
		slog.Error("Failed to list snapshots", "error", err)
		return c.Status(http.StatusServiceUnavailable).JSON(
			utils.CreateRetryableResponse("ARCHIVE_FAILED", "Failed to list archived policy books"))
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(map[string]any{
		"objects": names,
		"count":   len(names),
	}))
}

// ============================================================================
// HELPERS
// ============================================================================

// message builds the call envelope from the caller header and an optional
// wei value.
func (h *LedgerHandler) message(c fiber.Ctx, value string) (chain.Msg, error) {
	from, err := parseAddress(c.Get(HeaderAccount))
	if err != nil {
		return chain.Msg{}, fmt.Errorf("%w: %s header is required", models.ErrUnauthorized, HeaderAccount)
	}
	msg := chain.Msg{From: from}
	if value != "" {
		if msg.Value, err = config.ParseWei(value); err != nil {
			return chain.Msg{}, err
		}
	}
	return msg, nil
}

func (h *LedgerHandler) fail(c fiber.Ctx, err error) error {
	status, resp := utils.CreateLedgerErrorResponse(err)
	if status == http.StatusInternalServerError {
		slog.Error("Ledger call failed", "path", c.Path(), "error", err)
	}
	return c.Status(status).JSON(resp)
}

func (h *LedgerHandler) badBody(c fiber.Ctx, err error) error {
	return c.Status(http.StatusBadRequest).JSON(
		utils.CreateErrorResponse("INVALID_REQUEST", fmt.Sprintf("Invalid request body: %v", err)))
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q is not an account address", models.ErrInvalidArgument, s)
	}
	return common.HexToAddress(s), nil
}

func parseRole(s string) (common.Hash, error) {
	role, ok := gatekeeper.ParseRole(s)
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: unknown role %q", models.ErrInvalidArgument, s)
	}
	return role, nil
}

func parseSeason(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid season %q", models.ErrInvalidArgument, s)
	}
	return uint16(v), nil
}

func parseTags(region, farmID string) (common.Hash, common.Hash, error) {
	if region == "" || farmID == "" {
		return common.Hash{}, common.Hash{}, fmt.Errorf("%w: region and farm_id are required", models.ErrInvalidArgument)
	}
	r, err := models.TagFromString(region)
	if err != nil {
		return common.Hash{}, common.Hash{}, err
	}
	f, err := models.TagFromString(farmID)
	if err != nil {
		return common.Hash{}, common.Hash{}, err
	}
	return r, f, nil
}
