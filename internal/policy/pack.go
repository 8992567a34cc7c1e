// Package policy loads and evaluates policy packs: the versioned bundles of
// budget caps, approval rules, and egress allowlists that govern a
// workspace. Packs are immutable once loaded; resolution order is workspace
// override directory → embedded built-in pack for the tier → hard-coded
// minimal default.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Pack represents a complete policy pack document.
type Pack struct {
	PackID     string                  `yaml:"pack_id" json:"pack_id"`
	Tier       string                  `yaml:"tier" json:"tier"`
	Version    string                  `yaml:"version" json:"version"`
	Budgets    map[string]BudgetSpec   `yaml:"budgets,omitempty" json:"budgets,omitempty"`
	Approvals  ApprovalsConfig         `yaml:"approvals,omitempty" json:"approvals,omitempty"`
	Allowlists AllowlistsConfig        `yaml:"allowlists,omitempty" json:"allowlists,omitempty"`
	UI         UIConfig                `yaml:"ui,omitempty" json:"ui,omitempty"`

	// Computed fields (not serialized from YAML)
	Hash       string `yaml:"-" json:"-"`
	VersionTag string `yaml:"-" json:"-"`
}

// BudgetSpec is a single budget cap for a cost category.
type BudgetSpec struct {
	Period string  `yaml:"period" json:"period"` // hour, day, week, month
	Cap    float64 `yaml:"cap" json:"cap"`
}

// ApprovalsConfig holds the ordered approval-trigger rules.
type ApprovalsConfig struct {
	Rules []ApprovalRule `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// ApprovalRule maps a match condition to an approval requirement.
// Rules are evaluated top-to-bottom; the first match wins. Absent match
// fields are wildcards.
type ApprovalRule struct {
	Match            ApprovalMatch `yaml:"match" json:"match"`
	RequiresApproval bool          `yaml:"requires_approval" json:"requires_approval"`
}

// ApprovalMatch is the condition side of an approval rule.
type ApprovalMatch struct {
	RiskLevel    string `yaml:"risk_level,omitempty" json:"risk_level,omitempty"`
	CostCategory string `yaml:"cost_category,omitempty" json:"cost_category,omitempty"`
	ToolID       string `yaml:"tool_id,omitempty" json:"tool_id,omitempty"`
}

// AllowlistsConfig holds publisher, tool, capability, and egress allowlists.
type AllowlistsConfig struct {
	Publishers        []string            `yaml:"publishers,omitempty" json:"publishers,omitempty"`
	Tools             []string            `yaml:"tools,omitempty" json:"tools,omitempty"`
	Capabilities      []string            `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	EgressDomains     []string            `yaml:"egress_domains,omitempty" json:"egress_domains,omitempty"`
	EgressByConnector map[string][]string `yaml:"egress_by_connector,omitempty" json:"egress_by_connector,omitempty"`
	EgressByTool      map[string][]string `yaml:"egress_by_tool,omitempty" json:"egress_by_tool,omitempty"`
}

// UIConfig restricts which browser origins may talk to the runtime.
type UIConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" json:"allowed_origins,omitempty"`
}

// ComputeHash generates the SHA-256 hash of the pack content and sets the
// VersionTag to "{version}:sha256:{first8chars}".
func (p *Pack) ComputeHash(content []byte) {
	hash := sha256.Sum256(content)
	p.Hash = hex.EncodeToString(hash[:])
	p.VersionTag = fmt.Sprintf("%s:sha256:%s", p.Version, p.Hash[:8])
}

// ApprovalContext carries the attributes of a pending action that approval
// rules match against. Empty fields are treated as absent.
type ApprovalContext struct {
	RiskLevel    string
	CostCategory string
	ToolID       string
}

// RequiresApproval evaluates the pack's approval rules in order against ctx.
// A rule matches when every present match field equals the corresponding
// context field. Returns the first matching rule's requires_approval;
// no match means no approval required.
func RequiresApproval(pack *Pack, ctx ApprovalContext) bool {
	for _, rule := range pack.Approvals.Rules {
		if ruleMatches(rule.Match, ctx) {
			return rule.RequiresApproval
		}
	}
	return false
}

func ruleMatches(m ApprovalMatch, ctx ApprovalContext) bool {
	if m.RiskLevel != "" && m.RiskLevel != ctx.RiskLevel {
		return false
	}
	if m.CostCategory != "" && m.CostCategory != ctx.CostCategory {
		return false
	}
	if m.ToolID != "" && m.ToolID != ctx.ToolID {
		return false
	}
	return true
}
