package gatekeeper

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultAdminRole is the self-administered root of the role graph.
var DefaultAdminRole = common.Hash{}

var (
	AdminRole      = crypto.Keccak256Hash([]byte("ADMIN_ROLE"))
	InsurerRole    = crypto.Keccak256Hash([]byte("INSURER_ROLE"))
	GovernmentRole = crypto.Keccak256Hash([]byte("GOVERNMENT_ROLE"))
	KeeperRole     = crypto.Keccak256Hash([]byte("KEEPER_ROLE"))
	OracleRole     = crypto.Keccak256Hash([]byte("ORACLE_ROLE"))
	FarmerRole     = crypto.Keccak256Hash([]byte("FARMER_ROLE"))
)

var roleLabels = map[common.Hash]string{
	DefaultAdminRole: "default admin",
	AdminRole:        "admins",
	InsurerRole:      "insurers",
	GovernmentRole:   "government",
	KeeperRole:       "keepers",
	OracleRole:       "oracles",
	FarmerRole:       "farmers",
}

var roleNames = map[string]common.Hash{
	"DEFAULT_ADMIN_ROLE": DefaultAdminRole,
	"ADMIN_ROLE":         AdminRole,
	"INSURER_ROLE":       InsurerRole,
	"GOVERNMENT_ROLE":    GovernmentRole,
	"KEEPER_ROLE":        KeeperRole,
	"ORACLE_ROLE":        OracleRole,
	"FARMER_ROLE":        FarmerRole,
}

// Label is the human name of a role used in authorization errors.
func Label(role common.Hash) string {
	if label, ok := roleLabels[role]; ok {
		return label
	}
	return role.Hex()
}

// ParseRole accepts a well-known role name ("FARMER_ROLE") or a 0x-prefixed
// 32-byte hex id.
func ParseRole(s string) (common.Hash, bool) {
	if role, ok := roleNames[s]; ok {
		return role, true
	}
	if len(s) == 2+2*common.HashLength && (s[:2] == "0x" || s[:2] == "0X") {
		return common.HexToHash(s), true
	}
	return common.Hash{}, false
}
