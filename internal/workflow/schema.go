package workflow

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"inkup/internal/domain"
)

// Field names a value the builder writes into the template.
type Field string

const (
	FieldWidth        Field = "width"
	FieldHeight       Field = "height"
	FieldSeed         Field = "seed"
	FieldOutputPrefix Field = "output_prefix"
	FieldHumanImage   Field = "human_image"
	FieldItemImage    Field = "item_image"
	FieldMaskImage    Field = "mask_image"
)

// RequiredFields must all be bound by a schema.
var RequiredFields = []Field{
	FieldWidth,
	FieldHeight,
	FieldSeed,
	FieldOutputPrefix,
	FieldHumanImage,
	FieldItemImage,
	FieldMaskImage,
}

// Binding addresses one node input.
type Binding struct {
	Node  string `yaml:"node"`
	Input string `yaml:"input"`
}

// Schema binds every Field to a template location.
type Schema struct {
	Version int               `yaml:"version"`
	Fields  map[Field]Binding `yaml:"fields"`
}

// ParseSchema decodes a YAML schema and checks it binds every field.
func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: decode schema: %v", domain.ErrTemplateSchema, err)
	}
	if s.Version <= 0 {
		return nil, fmt.Errorf("%w: schema version is required", domain.ErrTemplateSchema)
	}
	var missing []string
	for _, f := range RequiredFields {
		b, ok := s.Fields[f]
		if !ok || b.Node == "" || b.Input == "" {
			missing = append(missing, string(f))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: schema v%d does not bind %v", domain.ErrTemplateSchema, s.Version, missing)
	}
	return &s, nil
}

// Validate checks that every bound node and input exists in t.
func (s *Schema) Validate(t Template) error {
	var problems []string
	for _, f := range RequiredFields {
		b := s.Fields[f]
		node, ok := t[b.Node]
		if !ok {
			problems = append(problems, fmt.Sprintf("%s: node %q missing", f, b.Node))
			continue
		}
		if _, ok := node.Inputs[b.Input]; !ok {
			problems = append(problems, fmt.Sprintf("%s: node %q has no input %q", f, b.Node, b.Input))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%w: schema v%d: %v", domain.ErrTemplateSchema, s.Version, problems)
	}
	return nil
}
