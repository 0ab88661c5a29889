package runtime

import (
	"fmt"

	"github.com/mohammad-safakhou/taskforge/config"
	"github.com/mohammad-safakhou/taskforge/internal/capability"
)

// BuildSkills returns a validated registry over the built-in skill cards. When a signing
// secret is configured the cards are checksummed and signed first, so the registry's
// signature check runs against the same secret.
func BuildSkills(cfg config.CapabilityConfig) (*capability.Registry, error) {
	cards := capability.DefaultSkillCards()
	if cfg.SigningSecret != "" {
		signed, err := signSkillCards(cards, cfg.SigningSecret)
		if err != nil {
			return nil, err
		}
		cards = signed
	}
	var required []string
	if len(cfg.RequiredSkills) > 0 {
		required = cfg.RequiredSkills
	}
	reg, err := capability.NewRegistry(cards, cfg.SigningSecret, required)
	if err != nil {
		return nil, fmt.Errorf("skill registry: %w", err)
	}
	return reg, nil
}

func signSkillCards(cards []capability.SkillCard, secret string) ([]capability.SkillCard, error) {
	out := make([]capability.SkillCard, 0, len(cards))
	for _, sc := range cards {
		checksum, err := capability.ComputeChecksum(sc)
		if err != nil {
			return nil, err
		}
		sc.Checksum = checksum
		sig, err := capability.SignSkillCard(sc, secret)
		if err != nil {
			return nil, err
		}
		sc.Signature = sig
		out = append(out, sc)
	}
	return out, nil
}
