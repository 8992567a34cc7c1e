package policy

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	aegisotel "github.com/aegisrun/aegis/internal/otel"
)

var tracer = aegisotel.Tracer("github.com/aegisrun/aegis/internal/policy")

//go:embed packs/*.yaml
var embeddedPacks embed.FS

// LoadPack resolves a pack id to a policy pack document.
//
// Resolution order:
//  1. Workspace override file <overrideDir>/<packID>.yaml (when overrideDir is set).
//  2. Embedded built-in pack keyed by the tier segment of the id
//     ("policy.<tier>.*" → packs/<tier>.yaml).
//  3. The hard-coded minimal default pack.
//
// Every loaded document is schema-validated before unmarshal. The returned
// pack is immutable; callers wanting reload-on-edit must invalidate their
// cache explicitly.
func LoadPack(ctx context.Context, packID, overrideDir string) (*Pack, error) {
	_, span := tracer.Start(ctx, "policy.load_pack")
	defer span.End()
	span.SetAttributes(
		attribute.String("policy.pack_id", packID),
		attribute.String("policy.override_dir", overrideDir),
	)

	if overrideDir != "" {
		overridePath := filepath.Join(overrideDir, packID+".yaml")
		content, err := os.ReadFile(overridePath)
		if err == nil {
			pack, perr := parsePack(content)
			if perr != nil {
				return nil, fmt.Errorf("override pack %s: %w", overridePath, perr)
			}
			span.SetAttributes(attribute.String("policy.source", "override"))
			return pack, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading override pack %s: %w", overridePath, err)
		}
	}

	if tier := tierSegment(packID); tier != "" {
		content, err := embeddedPacks.ReadFile("packs/" + tier + ".yaml")
		if err == nil {
			pack, perr := parsePack(content)
			if perr != nil {
				return nil, fmt.Errorf("built-in pack for tier %s: %w", tier, perr)
			}
			// The built-in pack serves any id within its tier.
			pack.PackID = packID
			span.SetAttributes(attribute.String("policy.source", "builtin"))
			return pack, nil
		}
	}

	log.Debug().Str("pack_id", packID).Msg("policy_pack_fallback_to_default")
	span.SetAttributes(attribute.String("policy.source", "default"))
	return defaultPack(packID), nil
}

// tierSegment extracts the tier from a pack id of the form "policy.<tier>.*".
func tierSegment(packID string) string {
	parts := strings.Split(packID, ".")
	if len(parts) >= 2 && parts[0] == "policy" {
		return parts[1]
	}
	return ""
}

func parsePack(content []byte) (*Pack, error) {
	if err := ValidateSchema(content); err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}
	var pack Pack
	if err := yaml.Unmarshal(content, &pack); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	pack.ComputeHash(content)
	return &pack, nil
}

// defaultPack is the hard-coded minimal fallback: loopback-only egress,
// approval required for high-risk actions and content publishing.
func defaultPack(packID string) *Pack {
	p := &Pack{
		PackID:  packID,
		Tier:    "default",
		Version: "0.0.0",
		Approvals: ApprovalsConfig{
			Rules: []ApprovalRule{
				{Match: ApprovalMatch{RiskLevel: "high"}, RequiresApproval: true},
				{Match: ApprovalMatch{CostCategory: "content-publish"}, RequiresApproval: true},
			},
		},
		Allowlists: AllowlistsConfig{
			EgressDomains: []string{"localhost", "127.0.0.1", "::1"},
		},
	}
	p.ComputeHash([]byte("aegis-default-pack"))
	return p
}

// Cache is an explicit pack cache keyed by (pack id, override dir).
// There is no implicit invalidation: after editing an allowlist, callers
// must Invalidate the affected entry (or InvalidateAll) to pick up changes.
type Cache struct {
	mu    sync.RWMutex
	packs map[cacheKey]*Pack
}

type cacheKey struct {
	packID      string
	overrideDir string
}

// NewCache creates an empty pack cache.
func NewCache() *Cache {
	return &Cache{packs: make(map[cacheKey]*Pack)}
}

// Load returns the cached pack for (packID, overrideDir), loading and
// caching it on first use.
func (c *Cache) Load(ctx context.Context, packID, overrideDir string) (*Pack, error) {
	key := cacheKey{packID: packID, overrideDir: overrideDir}

	c.mu.RLock()
	pack, ok := c.packs[key]
	c.mu.RUnlock()
	if ok {
		return pack, nil
	}

	pack, err := LoadPack(ctx, packID, overrideDir)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.packs[key] = pack
	c.mu.Unlock()
	return pack, nil
}

// Invalidate drops the cached entry for (packID, overrideDir).
func (c *Cache) Invalidate(packID, overrideDir string) {
	c.mu.Lock()
	delete(c.packs, cacheKey{packID: packID, overrideDir: overrideDir})
	c.mu.Unlock()
}

// InvalidateAll drops every cached pack.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.packs = make(map[cacheKey]*Pack)
	c.mu.Unlock()
}
