package gatekeeper

import (
	"bytes"
	"context"
	"crop-ledger/internal/chain"
	"crop-ledger/internal/models"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

type roleEntry struct {
	admin   common.Hash
	members map[common.Address]bool
}

// Gatekeeper owns the role graph: every role has exactly one admin role, and
// only holders of that admin role manage its members or create child roles.
type Gatekeeper struct {
	host  *chain.Host
	addr  common.Address
	roles map[common.Hash]*roleEntry
}

// New deploys a gatekeeper whose root role is held by owner.
func New(host *chain.Host, owner common.Address) *Gatekeeper {
	g := &Gatekeeper{
		host:  host,
		addr:  host.Deploy(owner),
		roles: make(map[common.Hash]*roleEntry),
	}
	g.roles[DefaultAdminRole] = &roleEntry{
		admin:   DefaultAdminRole,
		members: map[common.Address]bool{owner: true},
	}
	return g
}

func (g *Gatekeeper) Address() common.Address {
	return g.addr
}

// PersistRoot stages the root role and its current members, so the root is
// stored like any other role. Only a root member may call it and calling it
// again changes nothing.
func (g *Gatekeeper) PersistRoot(ctx context.Context, msg chain.Msg) error {
	return g.host.Execute(ctx, g.addr, msg, func(c *chain.Call) error {
		if err := c.NonPayable(); err != nil {
			return err
		}
		root := g.roles[DefaultAdminRole]
		if !root.members[c.Sender] {
			return fmt.Errorf("%w: Restricted to %s.", models.ErrUnauthorized, Label(DefaultAdminRole))
		}
		c.Stage(models.RoleChange{Role: DefaultAdminRole, Admin: DefaultAdminRole})
		for _, account := range sortedMembers(root.members) {
			c.Stage(models.RoleMemberChange{Role: DefaultAdminRole, Account: account, Member: true})
		}
		return nil
	})
}

// Restore loads persisted roles and memberships. When the root role was
// persisted its stored members replace the seeded owner, so a revoked root
// stays revoked; otherwise the seeded owner is kept.
func (g *Gatekeeper) Restore(roles []models.RoleChange, members []models.RoleMemberChange) bool {
	rootPersisted := false
	for _, row := range roles {
		if row.Role == DefaultAdminRole {
			rootPersisted = true
			g.roles[DefaultAdminRole].members = make(map[common.Address]bool)
			continue
		}
		if _, ok := g.roles[row.Role]; ok {
			continue
		}
		g.roles[row.Role] = &roleEntry{admin: row.Admin, members: make(map[common.Address]bool)}
	}
	for _, row := range members {
		entry, ok := g.roles[row.Role]
		if !ok {
			slog.Warn("Skipping membership of unknown role", "role", row.Role.Hex(), "account", row.Account.Hex())
			continue
		}
		if row.Member {
			entry.members[row.Account] = true
		} else {
			delete(entry.members, row.Account)
		}
	}
	return rootPersisted
}

// AddRole registers role under adminRole. The caller must hold adminRole.
func (g *Gatekeeper) AddRole(ctx context.Context, msg chain.Msg, role, adminRole common.Hash) error {
	return g.host.Execute(ctx, g.addr, msg, func(c *chain.Call) error {
		if err := c.NonPayable(); err != nil {
			return err
		}
		if !g.hasRole(adminRole, c.Sender) {
			return fmt.Errorf("%w: Restricted to %s.", models.ErrUnauthorized, Label(adminRole))
		}
		if _, ok := g.roles[role]; ok {
			return fmt.Errorf("%w: role %s already defined", models.ErrRoleExists, Label(role))
		}

		chain.Set(c, g.roles, role, &roleEntry{admin: adminRole, members: make(map[common.Address]bool)})
		c.Stage(models.RoleChange{Role: role, Admin: adminRole})
		c.Emit(models.EventRoleAdded, models.RoleAdded{Role: role, AdminRole: adminRole, By: c.Sender})
		return nil
	})
}

// AddAssignment grants role to account. Re-adding a member is a no-op.
func (g *Gatekeeper) AddAssignment(ctx context.Context, msg chain.Msg, role common.Hash, account common.Address) error {
	return g.setMember(ctx, msg, role, account, true)
}

// RemoveAssignment revokes role from account. Removing a non-member is a no-op.
func (g *Gatekeeper) RemoveAssignment(ctx context.Context, msg chain.Msg, role common.Hash, account common.Address) error {
	return g.setMember(ctx, msg, role, account, false)
}

func (g *Gatekeeper) setMember(ctx context.Context, msg chain.Msg, role common.Hash, account common.Address, member bool) error {
	return g.host.Execute(ctx, g.addr, msg, func(c *chain.Call) error {
		if err := c.NonPayable(); err != nil {
			return err
		}
		entry, ok := g.roles[role]
		if !ok {
			return fmt.Errorf("%w: %s", models.ErrRoleNotFound, Label(role))
		}
		if !g.hasRole(entry.admin, c.Sender) {
			return fmt.Errorf("%w: Restricted to %s.", models.ErrUnauthorized, Label(entry.admin))
		}
		if entry.members[account] == member {
			return nil
		}

		if member {
			chain.Set(c, entry.members, account, true)
		} else {
			chain.Delete(c, entry.members, account)
		}
		c.Stage(models.RoleMemberChange{Role: role, Account: account, Member: member})

		name := models.EventRoleAssigned
		if !member {
			name = models.EventRoleRevoked
		}
		c.Emit(name, models.RoleAssignment{Role: role, Account: account, By: c.Sender})
		return nil
	})
}

// HasRole reports whether account holds role.
func (g *Gatekeeper) HasRole(ctx context.Context, role common.Hash, account common.Address) bool {
	var ok bool
	g.host.Read(ctx, func() {
		ok = g.hasRole(role, account)
	})
	return ok
}

// RoleAdmin returns the admin role of role, if role is defined.
func (g *Gatekeeper) RoleAdmin(ctx context.Context, role common.Hash) (common.Hash, bool) {
	var (
		admin common.Hash
		ok    bool
	)
	g.host.Read(ctx, func() {
		var entry *roleEntry
		entry, ok = g.roles[role]
		if ok {
			admin = entry.admin
		}
	})
	return admin, ok
}

// Members lists the holders of role in address order.
func (g *Gatekeeper) Members(ctx context.Context, role common.Hash) []common.Address {
	var out []common.Address
	g.host.Read(ctx, func() {
		entry, ok := g.roles[role]
		if !ok {
			return
		}
		out = sortedMembers(entry.members)
	})
	return out
}

func sortedMembers(members map[common.Address]bool) []common.Address {
	out := make([]common.Address, 0, len(members))
	for account := range members {
		out = append(out, account)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

func (g *Gatekeeper) hasRole(role common.Hash, account common.Address) bool {
	entry, ok := g.roles[role]
	return ok && entry.members[account]
}
