package models

// ============================================================================
// HTTP REQUEST BODIES
// ============================================================================
// Amounts are decimal wei strings. Roles are well-known names
// ("FARMER_ROLE") or 0x-prefixed 32-byte ids. Regions and farm ids are
// short strings packed into 32-byte tags.

type AddRoleRequest struct {
	Role      string `json:"role"`
	AdminRole string `json:"admin_role"`
}

type AssignmentRequest struct {
	Account string `json:"account"`
}

type PolicyRequest struct {
	Season uint16 `json:"season"`
	Region string `json:"region"`
	FarmID string `json:"farm_id"`
	Size   uint64 `json:"size,omitempty"`
	Value  string `json:"value,omitempty"`
}

type ValueRequest struct {
	Value string `json:"value"`
}

type WithdrawLiquidityRequest struct {
	Amount string `json:"amount"`
}

type SwitchRequest struct {
	Active bool `json:"active"`
}

type TransferRequest struct {
	To    string `json:"to"`
	Value string `json:"value"`
}

type FaucetRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// RegionBook is the open/closed view of one (season, region) bucket.
type RegionBook struct {
	Season        uint16   `json:"season"`
	Region        string   `json:"region"`
	OpenCount     uint64   `json:"open_count"`
	ClosedCount   uint64   `json:"closed_count"`
	OpenContracts []string `json:"open_contracts"`
}
