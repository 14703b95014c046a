// Package fixtures loads extra varlink interface declarations from a
// YAML file at startup, letting an operator declare more introspectable
// surface area without recompiling the binary. Fixture interfaces are
// introspectable (org.varlink.service.GetInterfaceDescription) but must
// still be bound to a govarlink.HandlerFunc table by the caller; a
// fixture only supplies the schema.
package fixtures

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ianremillard/govarlink/schema"
)

type fixtureFile struct {
	Interfaces []fixtureInterface `yaml:"interfaces"`
}

type fixtureInterface struct {
	Name    string           `yaml:"name"`
	Types   []fixtureType    `yaml:"types"`
	Methods []fixtureMethod  `yaml:"methods"`
}

type fixtureType struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

type fixtureMethod struct {
	Name    string         `yaml:"name"`
	In      []fixtureField `yaml:"in"`
	Out     []fixtureField `yaml:"out"`
	More    bool           `yaml:"more"`
	Oneway  bool           `yaml:"oneway"`
	Upgrade bool           `yaml:"upgrade"`
}

type fixtureField struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// Load reads path and returns one schema.Interface per entry declared
// in it.
func Load(path string) ([]*schema.Interface, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fixtures: read %s: %w", path, err)
	}

	var file fixtureFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("fixtures: parse %s: %w", path, err)
	}

	ifaces := make([]*schema.Interface, 0, len(file.Interfaces))
	for _, fi := range file.Interfaces {
		iface, err := buildInterface(fi)
		if err != nil {
			return nil, fmt.Errorf("fixtures: interface %q: %w", fi.Name, err)
		}
		ifaces = append(ifaces, iface)
	}
	return ifaces, nil
}

func buildInterface(fi fixtureInterface) (*schema.Interface, error) {
	var types []schema.TypeDecl
	for _, ft := range fi.Types {
		t, err := schema.ParseType(ft.Type)
		if err != nil {
			return nil, fmt.Errorf("type %q: %w", ft.Name, err)
		}
		types = append(types, schema.TypeDecl{Name: ft.Name, Type: t})
	}

	var methods []schema.Method
	for _, fm := range fi.Methods {
		in, err := buildFields(fm.In)
		if err != nil {
			return nil, fmt.Errorf("method %q: %w", fm.Name, err)
		}
		out, err := buildFields(fm.Out)
		if err != nil {
			return nil, fmt.Errorf("method %q: %w", fm.Name, err)
		}
		methods = append(methods, schema.Method{
			Name: fm.Name,
			In:   in,
			Out:  out,
			Flags: schema.MethodFlags{
				MayProduceMore:     fm.More,
				IsOneway:           fm.Oneway,
				UpgradesConnection: fm.Upgrade,
			},
		})
	}

	return schema.NewInterface(fi.Name, types, methods)
}

func buildFields(fields []fixtureField) ([]schema.Field, error) {
	out := make([]schema.Field, 0, len(fields))
	for _, f := range fields {
		t, err := schema.ParseType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		out = append(out, schema.Field{Name: f.Name, Type: t})
	}
	return out, nil
}
