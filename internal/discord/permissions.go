package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker decides who may run privileged slash commands.
type PermissionChecker struct {
	operatorRoleID string
}

// NewPermissionChecker creates a PermissionChecker for the given role ID.
func NewPermissionChecker(operatorRoleID string) *PermissionChecker {
	return &PermissionChecker{operatorRoleID: operatorRoleID}
}

// IsOperator reports whether the interaction author has the operator role.
// With no role configured every guild member is an operator. Interactions
// without a Member (direct messages) are never privileged.
func (p *PermissionChecker) IsOperator(i *discordgo.InteractionCreate) bool {
	if i.Member == nil {
		return false
	}
	if p.operatorRoleID == "" {
		return true
	}
	return slices.Contains(i.Member.Roles, p.operatorRoleID)
}
