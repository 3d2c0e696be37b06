package effects

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Role decides how a kind takes part in a wager.
type Role string

const (
	// RoleStakeOverride replaces the bet cap with the holder's whole balance.
	RoleStakeOverride Role = "stake_override"
	// RoleRefundOnLoss returns the stake when the hand is lost.
	RoleRefundOnLoss Role = "refund_on_loss"
	// RolePayout adds a transform of (bet, base) to the payout on a win.
	RolePayout Role = "payout"
)

// Kind describes one purchasable effect.
type Kind struct {
	ID         string        `yaml:"id"`
	Name       string        `yaml:"name"`
	Price      int64         `yaml:"price"`
	Duration   time.Duration `yaml:"duration"`
	Role       Role          `yaml:"role"`
	BetFactor  float64       `yaml:"betFactor"`
	BaseFactor float64       `yaml:"baseFactor"`
}

// Transform is the contribution of a payout kind, rounded to the nearest chip.
func (k Kind) Transform(bet, base int64) int64 {
	return int64(math.Round(k.BetFactor*float64(bet) + k.BaseFactor*float64(base)))
}

//go:embed catalog.yaml
var defaultCatalog []byte

// Catalog is an immutable, ordered set of kinds.
type Catalog struct {
	kinds []Kind
	byID  map[string]Kind
}

type catalogFile struct {
	Kinds []Kind `yaml:"kinds"`
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := LoadCatalog(bytes.NewReader(defaultCatalog))
	if err != nil {
		panic(fmt.Sprintf("effects: built-in catalog is invalid: %v", err))
	}
	return c
}

// LoadCatalogFile loads a catalog from path, or the built-in one when path is empty.
func LoadCatalogFile(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	defer f.Close()
	return LoadCatalog(f)
}

// LoadCatalog decodes and validates a YAML catalog.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var file catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	c := &Catalog{byID: make(map[string]Kind, len(file.Kinds))}
	for _, k := range file.Kinds {
		if err := validateKind(k); err != nil {
			return nil, err
		}
		if _, dup := c.byID[k.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate kind %q", k.ID)
		}
		c.byID[k.ID] = k
		c.kinds = append(c.kinds, k)
	}
	return c, nil
}

func validateKind(k Kind) error {
	if k.ID == "" {
		return errors.New("catalog: kind without id")
	}
	if k.Price < 0 {
		return fmt.Errorf("catalog: kind %q has negative price", k.ID)
	}
	if k.Duration < 0 {
		return fmt.Errorf("catalog: kind %q has negative duration", k.ID)
	}
	switch k.Role {
	case RoleStakeOverride, RoleRefundOnLoss:
		if k.Duration != 0 {
			return fmt.Errorf("catalog: %s kind %q must be one-shot", k.Role, k.ID)
		}
	case RolePayout:
	default:
		return fmt.Errorf("catalog: kind %q has unknown role %q", k.ID, k.Role)
	}
	return nil
}

// Get looks a kind up by id.
func (c *Catalog) Get(id string) (Kind, bool) {
	k, ok := c.byID[id]
	return k, ok
}

// Kinds returns every kind in catalog order.
func (c *Catalog) Kinds() []Kind {
	out := make([]Kind, len(c.kinds))
	copy(out, c.kinds)
	return out
}

// WithRole returns the kinds playing role, in catalog order.
func (c *Catalog) WithRole(role Role) []Kind {
	var out []Kind
	for _, k := range c.kinds {
		if k.Role == role {
			out = append(out, k)
		}
	}
	return out
}
