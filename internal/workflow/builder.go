package workflow

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"
)

// maxSeed keeps seeds exactly representable as JSON numbers.
const maxSeed = 1<<53 - 1

// Params carries the per-request values of a graph.
type Params struct {
	PromptID   string
	ClientID   string
	Width      int
	Height     int
	Seed       uint64 // zero picks a random seed
	HumanImage string
	ItemImage  string
	MaskImage  string
}

// Graph is a ready-to-submit job graph.
type Graph struct {
	Nodes    Template
	PromptID string
	ClientID string
	Seed     uint64
}

// OutputPrefix returns the filename prefix the save node will use.
func (g Graph) OutputPrefix() string { return g.PromptID }

// Builder renders graphs from a validated template and schema pair.
type Builder struct {
	template Template
	schema   *Schema
}

// NewBuilder validates schema against template.
func NewBuilder(t Template, s *Schema) (*Builder, error) {
	if t == nil || s == nil {
		return nil, fmt.Errorf("workflow: template and schema are required")
	}
	if err := s.Validate(t); err != nil {
		return nil, err
	}
	return &Builder{template: t.Clone(), schema: s}, nil
}

// Load reads the template and schema from disk, falling back to the
// embedded defaults for empty paths, and validates them.
func Load(templatePath, schemaPath string) (*Builder, error) {
	rawTemplate, err := readAsset(templatePath, defaultTemplateAsset)
	if err != nil {
		return nil, err
	}
	rawSchema, err := readAsset(schemaPath, defaultSchemaAsset)
	if err != nil {
		return nil, err
	}
	t, err := ParseTemplate(rawTemplate)
	if err != nil {
		return nil, err
	}
	s, err := ParseSchema(rawSchema)
	if err != nil {
		return nil, err
	}
	return NewBuilder(t, s)
}

// SchemaVersion reports the version of the bound schema.
func (b *Builder) SchemaVersion() int { return b.schema.Version }

// Build deep-copies the template and writes the seven bound fields. The
// output prefix is always the prompt id.
func (b *Builder) Build(p Params) (Graph, error) {
	if strings.TrimSpace(p.PromptID) == "" {
		return Graph{}, fmt.Errorf("workflow: prompt id is required")
	}
	if strings.TrimSpace(p.ClientID) == "" {
		return Graph{}, fmt.Errorf("workflow: client id is required")
	}
	if p.Width <= 0 || p.Height <= 0 {
		return Graph{}, fmt.Errorf("workflow: invalid canvas %dx%d", p.Width, p.Height)
	}
	if p.HumanImage == "" || p.ItemImage == "" || p.MaskImage == "" {
		return Graph{}, fmt.Errorf("workflow: all staged image paths are required")
	}
	seed := p.Seed
	if seed == 0 {
		var err error
		if seed, err = NewSeed(); err != nil {
			return Graph{}, err
		}
	}

	nodes := b.template.Clone()
	values := map[Field]any{
		FieldWidth:        p.Width,
		FieldHeight:       p.Height,
		FieldSeed:         seed,
		FieldOutputPrefix: p.PromptID,
		FieldHumanImage:   p.HumanImage,
		FieldItemImage:    p.ItemImage,
		FieldMaskImage:    p.MaskImage,
	}
	for field, v := range values {
		bind := b.schema.Fields[field]
		nodes[bind.Node].Inputs[bind.Input] = v
	}

	return Graph{Nodes: nodes, PromptID: p.PromptID, ClientID: p.ClientID, Seed: seed}, nil
}

// NewSeed draws a non-zero seed from crypto/rand.
func NewSeed() (uint64, error) {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("workflow: seed: %w", err)
		}
		if s := binary.BigEndian.Uint64(buf[:]) & maxSeed; s != 0 {
			return s, nil
		}
	}
}
