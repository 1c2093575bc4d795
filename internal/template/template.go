/**
 * Form template - reference image dimensions and the declarative field table
 *
 * The field table is JSON keyed by field name:
 *
 *   {
 *     "ho_ten":   {"x": 210, "y": 318, "w": 620, "h": 58, "type": "text", "handwritten": true},
 *     "ngay_sinh":{"x": 210, "y": 390, "w": 300, "h": 52, "validator": "date"},
 *     "nam":      {"x": 880, "y": 318, "w": 40,  "h": 40, "kind": "checkbox"}
 *   }
 *
 * Coordinates are pixels in the canonical (template) frame. Both files are read
 * once per run; failures are fatal before any image is processed.
 */

package template

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"sort"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/MonsieurNam/handwriting-recognition/internal/errors"
	"github.com/MonsieurNam/handwriting-recognition/internal/validator"
)

// Kind is the recognition kind of a field.
type Kind string

const (
	KindText     Kind = "text"
	KindCheckbox Kind = "checkbox"
)

// FieldSpec describes one field of the form. It is immutable once loaded.
type FieldSpec struct {
	Name string
	Rect image.Rectangle
	Kind Kind

	// Handwritten selects the handwriting recognizer first and the unsharp
	// restoration path.
	Handwritten bool

	Validator validator.Type

	// Recognizers optionally restricts which recognizers read this field.
	Recognizers []string
}

// Template is the reference form: canonical frame size plus its fields.
type Template struct {
	Width  int
	Height int
	Fields []FieldSpec
}

// Size returns the canonical frame size.
func (t *Template) Size() image.Point {
	return image.Pt(t.Width, t.Height)
}

// Field returns the field named name.
func (t *Template) Field(name string) (FieldSpec, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

type fieldEntry struct {
	X           int      `json:"x"`
	Y           int      `json:"y"`
	W           int      `json:"w"`
	H           int      `json:"h"`
	Type        string   `json:"type"`
	Kind        string   `json:"kind"`
	Handwritten *bool    `json:"handwritten"`
	Validator   string   `json:"validator"`
	Recognizers []string `json:"recognizers"`
}

// LoadTemplate reads the reference image dimensions and the field table.
func LoadTemplate(imagePath, fieldTablePath string) (*Template, error) {
	img, err := imaging.Open(imagePath, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.NewTemplateUnreadableError(imagePath, err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, errors.NewTemplateUnreadableError(imagePath, fmt.Errorf("template image has no pixels"))
	}

	fields, err := LoadFieldTable(fieldTablePath)
	if err != nil {
		return nil, err
	}

	return &Template{Width: b.Dx(), Height: b.Dy(), Fields: fields}, nil
}

// LoadFieldTable reads and validates a field table file.
func LoadFieldTable(path string) ([]FieldSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewFieldTableInvalidError(path, err)
	}
	fields, err := ParseFieldTable(data)
	if err != nil {
		return nil, errors.NewFieldTableInvalidError(path, err)
	}
	return fields, nil
}

// ParseFieldTable decodes a field table. Fields come back sorted by name.
func ParseFieldTable(data []byte) ([]FieldSpec, error) {
	var raw map[string]fieldEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse field table: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("field table declares no fields")
	}

	fields := make([]FieldSpec, 0, len(raw))
	for name, e := range raw {
		f, err := e.toSpec(name)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}

	sort.Slice(fields, func(i, j int) bool {
		return fields[i].Name < fields[j].Name
	})
	return fields, nil
}

func (e fieldEntry) toSpec(name string) (FieldSpec, error) {
	if strings.TrimSpace(name) == "" {
		return FieldSpec{}, fmt.Errorf("field with empty name")
	}
	if e.W < 0 || e.H < 0 {
		return FieldSpec{}, fmt.Errorf("field %s: negative size %dx%d", name, e.W, e.H)
	}

	kind := Kind(strings.ToLower(firstNonEmpty(e.Kind, e.Type, string(KindText))))
	if kind != KindText && kind != KindCheckbox {
		return FieldSpec{}, fmt.Errorf("field %s: unknown kind %q", name, kind)
	}

	vt := validator.InferType(name)
	if e.Validator != "" {
		parsed, err := validator.ParseType(e.Validator)
		if err != nil {
			return FieldSpec{}, fmt.Errorf("field %s: %w", name, err)
		}
		vt = parsed
	}

	handwritten := vt == validator.TypeName
	if e.Handwritten != nil {
		handwritten = *e.Handwritten
	}

	return FieldSpec{
		Name:        name,
		Rect:        image.Rect(e.X, e.Y, e.X+e.W, e.Y+e.H),
		Kind:        kind,
		Handwritten: handwritten,
		Validator:   vt,
		Recognizers: e.Recognizers,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
