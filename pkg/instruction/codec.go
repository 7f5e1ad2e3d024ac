package instruction

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/go-playground/validator/v10"

	"github.com/sidkik/provision/pkg/condition"
	"github.com/sidkik/provision/pkg/content"
	"github.com/sidkik/provision/pkg/errors"
)

// FormatVersion is the version of the serialized instruction format.
const FormatVersion = "v1alpha1"

const (
	unitVersionType = "unit-version"
	contentHashType = "content-hash"
)

type environmentRecord struct {
	Version string       `json:"version" validate:"required"`
	Units   []unitRecord `json:"units" validate:"required,dive"`
}

type unitRecord struct {
	Name            string            `json:"name" validate:"required"`
	Version         string            `json:"version,omitempty"`
	ReplacedVersion string            `json:"replaced-version,omitempty"`
	PatchID         string            `json:"patch-id,omitempty"`
	Reverts         string            `json:"reverts-patch,omitempty"`
	Required        bool              `json:"required,omitempty"`
	Conditions      []conditionRecord `json:"conditions,omitempty" validate:"dive"`
	Items           []itemRecord      `json:"items,omitempty" validate:"dive"`
	Tasks           []taskRecord      `json:"tasks,omitempty" validate:"dive"`
}

type itemRecord struct {
	Required     bool   `json:"required,omitempty"`
	Location     string `json:"location,omitempty"`
	RelativePath string `json:"relative-path" validate:"required"`
	Hash         string `json:"hash,omitempty" validate:"omitempty,len=64,hexadecimal"`
	ReplacedHash string `json:"replaced-hash,omitempty" validate:"omitempty,len=64,hexadecimal"`
}

type conditionRecord struct {
	Type string `json:"type" validate:"oneof=unit-version content-hash"`

	Unit    string `json:"unit,omitempty" validate:"required_if=Type unit-version"`
	Version string `json:"version,omitempty"`

	Location     string `json:"location,omitempty"`
	RelativePath string `json:"relative-path,omitempty" validate:"required_if=Type content-hash"`
	Hash         string `json:"hash,omitempty" validate:"omitempty,len=64,hexadecimal"`
	ReplacedHash string `json:"replaced-hash,omitempty" validate:"omitempty,len=64,hexadecimal"`
}

type taskRecord struct {
	Name   string            `json:"name" validate:"required"`
	Params map[string]string `json:"params,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// Report fields by their serialized names.
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Marshal serializes the instruction to YAML.
func Marshal(env Environment) ([]byte, error) {
	record := environmentRecord{Version: FormatVersion}
	for _, u := range env.Units() {
		record.Units = append(record.Units, toUnitRecord(u))
	}
	return yaml.Marshal(record)
}

// Unmarshal parses an instruction serialized by Marshal. Records with
// missing fields, items without either hash, and unknown fields are
// rejected.
func Unmarshal(data []byte) (Environment, error) {
	var record environmentRecord
	if err := yaml.Unmarshal(data, &record); err != nil {
		return nil, errors.WithContext(err, "parse")
	}

	if record.Version != FormatVersion {
		return nil, errors.MalformedError{
			Path: "version",
			Reason: fmt.Sprintf("unsupported instruction format %q, expected %q",
				record.Version, FormatVersion),
		}
	}

	// Check for extra fields only once we know the format is one we
	// understand.
	if err := yaml.UnmarshalStrict(data, &record, yaml.DisallowUnknownFields); err != nil {
		return nil, errors.WithContext(err, "parse")
	}

	if err := validate.Struct(record); err != nil {
		return nil, validationError(err)
	}

	env := Environment{}
	for _, ur := range record.Units {
		u, err := ur.toUnit()
		if err != nil {
			return nil, errors.WithContext(err, "unit "+ur.Name)
		}
		if _, ok := env[u.Name]; ok {
			return nil, errors.MalformedError{Path: u.Name, Reason: "duplicate unit"}
		}
		env[u.Name] = u
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

func validationError(err error) error {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok || len(fieldErrs) == 0 {
		return errors.WithContext(err, "validate")
	}

	fieldErr := fieldErrs[0]
	switch fieldErr.Tag() {
	case "required", "required_if":
		return errors.MissingFieldError{Field: fieldErr.Field()}
	default:
		return errors.MalformedError{
			Path:   fieldErr.Namespace(),
			Reason: fmt.Sprintf("failed %q validation", fieldErr.Tag()),
		}
	}
}

func toUnitRecord(u Unit) unitRecord {
	record := unitRecord{
		Name:            u.Name,
		Version:         u.Version,
		ReplacedVersion: u.ReplacedVersion,
		PatchID:         u.PatchID,
		Reverts:         u.Reverts,
		Required:        u.Required,
	}

	for _, c := range u.Conditions {
		record.Conditions = append(record.Conditions, toConditionRecord(c))
	}

	for _, item := range u.Items {
		record.Items = append(record.Items, itemRecord{
			Required:     item.Required,
			Location:     item.Path.Location,
			RelativePath: item.Path.RelativePath,
			Hash:         item.Hash.String(),
			ReplacedHash: item.ReplacedHash.String(),
		})
	}

	for _, task := range u.Tasks {
		record.Tasks = append(record.Tasks, taskRecord{Name: task.Name, Params: task.Params})
	}
	return record
}

func toConditionRecord(c condition.Condition) conditionRecord {
	switch c := c.(type) {
	case condition.UnitVersion:
		return conditionRecord{Type: unitVersionType, Unit: c.Unit, Version: c.Version}
	case condition.ContentHash:
		return conditionRecord{
			Type:         contentHashType,
			Location:     c.Path.Location,
			RelativePath: c.Path.RelativePath,
			Hash:         c.New.String(),
			ReplacedHash: c.Expected.String(),
		}
	default:
		panic(fmt.Sprintf("unknown condition type %T", c))
	}
}

func (record unitRecord) toUnit() (Unit, error) {
	b := NewUnit(record.Name).
		Version(record.Version).
		ReplacedVersion(record.ReplacedVersion).
		Patch(record.PatchID).
		Reverts(record.Reverts).
		Required(record.Required)

	for _, cr := range record.Conditions {
		c, err := cr.toCondition()
		if err != nil {
			return Unit{}, err
		}
		b = b.Condition(c)
	}

	for _, ir := range record.Items {
		item, err := ir.toItem()
		if err != nil {
			return Unit{}, err
		}
		b = b.Items(item)
	}

	for _, tr := range record.Tasks {
		b = b.Task(Task{Name: tr.Name, Params: tr.Params})
	}
	return b.Build()
}

func (record itemRecord) toItem() (Item, error) {
	if record.Hash == "" && record.ReplacedHash == "" {
		return Item{}, errors.MissingFieldError{Field: "hash"}
	}

	path, hash, replaced, err := parseContent(record.Location, record.RelativePath,
		record.Hash, record.ReplacedHash)
	if err != nil {
		return Item{}, err
	}
	return Item{Path: path, Hash: hash, ReplacedHash: replaced, Required: record.Required}, nil
}

func (record conditionRecord) toCondition() (condition.Condition, error) {
	if record.Type == unitVersionType {
		return condition.UnitVersion{Unit: record.Unit, Version: record.Version}, nil
	}

	path, hash, replaced, err := parseContent(record.Location, record.RelativePath,
		record.Hash, record.ReplacedHash)
	if err != nil {
		return nil, err
	}
	return condition.ContentHash{Path: path, Expected: replaced, New: hash}, nil
}

func parseContent(location, relativePath, hashStr, replacedStr string) (
	content.Path, content.Hash, content.Hash, error) {
	path, err := content.NewPath(location, relativePath)
	if err != nil {
		return content.Path{}, "", "", err
	}

	hash, err := content.ParseHash(hashStr)
	if err != nil {
		return content.Path{}, "", "", err
	}

	replaced, err := content.ParseHash(replacedStr)
	if err != nil {
		return content.Path{}, "", "", err
	}
	return path, hash, replaced, nil
}
