package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	dbus "github.com/danderson/dyndbus"
	"github.com/danderson/dyndbus/bridge"
	"github.com/danderson/dyndbus/dynamic"
	"gopkg.in/yaml.v3"
)

// EndpointConfig describes an object served by the serve command.
type EndpointConfig struct {
	// Service is the well-known name to claim. Optional.
	Service   string         `yaml:"service"`
	Path      string         `yaml:"path"`
	Interface string         `yaml:"interface"`
	Bus       bridge.BusType `yaml:"bus"`
	// XML is the introspection document to serve. XMLFile is read
	// instead if set, relative to the config file.
	XML     string `yaml:"xml"`
	XMLFile string `yaml:"xml_file"`

	Methods    []MethodConfig   `yaml:"methods"`
	Signals    []SignalConfig   `yaml:"signals"`
	Properties []PropertyConfig `yaml:"properties"`
}

// MethodConfig describes a served method. The method replies with
// Reply if set, or echoes its arguments if Echo is true.
type MethodConfig struct {
	Name    string      `yaml:"name"`
	Params  []string    `yaml:"params"`
	Returns string      `yaml:"returns"`
	Reply   ConfigValue `yaml:"reply"`
	Echo    bool        `yaml:"echo"`
}

// SignalConfig describes a signal that peers may ask the object to
// emit.
type SignalConfig struct {
	Name   string   `yaml:"name"`
	Params []string `yaml:"params"`
}

// PropertyConfig describes a served property.
type PropertyConfig struct {
	Name     string      `yaml:"name"`
	Type     string      `yaml:"type"`
	Value    ConfigValue `yaml:"value"`
	Writable bool        `yaml:"writable"`
}

// ConfigValue is a dynamic value written in YAML. Mappings become
// Records with their keys in document order.
type ConfigValue struct {
	dynamic.Value
}

func (c *ConfigValue) UnmarshalYAML(node *yaml.Node) error {
	v, err := yamlValue(node)
	if err != nil {
		return err
	}
	c.Value = v
	return nil
}

func yamlValue(node *yaml.Node) (dynamic.Value, error) {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) != 1 {
			return nil, fmt.Errorf("line %d: empty document", node.Line)
		}
		return yamlValue(node.Content[0])
	case yaml.AliasNode:
		return yamlValue(node.Alias)
	case yaml.SequenceNode:
		ret := dynamic.List{}
		for _, n := range node.Content {
			v, err := yamlValue(n)
			if err != nil {
				return nil, err
			}
			ret = append(ret, v)
		}
		return ret, nil
	case yaml.MappingNode:
		ret := dynamic.Record{}
		for i := 0; i+1 < len(node.Content); i += 2 {
			k := node.Content[i]
			if k.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: mapping keys must be scalars", k.Line)
			}
			v, err := yamlValue(node.Content[i+1])
			if err != nil {
				return nil, err
			}
			ret.Set(k.Value, v)
		}
		return ret, nil
	case yaml.ScalarNode:
		return yamlScalar(node)
	default:
		return nil, fmt.Errorf("line %d: unsupported YAML node", node.Line)
	}
}

func yamlScalar(node *yaml.Node) (dynamic.Value, error) {
	switch node.ShortTag() {
	case "!!null":
		return dynamic.Null{}, nil
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return nil, err
		}
		return dynamic.Bool(b), nil
	case "!!int":
		var i int64
		if err := node.Decode(&i); err == nil {
			return dynamic.Int(i), nil
		}
		var u uint64
		if err := node.Decode(&u); err != nil {
			return nil, err
		}
		return dynamic.Uint(u), nil
	case "!!float":
		var f float64
		if err := node.Decode(&f); err != nil {
			return nil, err
		}
		return dynamic.Float(f), nil
	default:
		return dynamic.String(node.Value), nil
	}
}

// LoadEndpointConfig reads and validates an endpoint config file.
func LoadEndpointConfig(path string) (*EndpointConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var ret EndpointConfig
	if err := yaml.Unmarshal(data, &ret); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if ret.XMLFile != "" {
		xmlPath := ret.XMLFile
		if !filepath.IsAbs(xmlPath) {
			xmlPath = filepath.Join(filepath.Dir(path), xmlPath)
		}
		bs, err := os.ReadFile(xmlPath)
		if err != nil {
			return nil, fmt.Errorf("reading introspection document: %w", err)
		}
		ret.XML = string(bs)
	}
	if err := ret.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &ret, nil
}

// Validate checks that the config describes a servable object.
func (c *EndpointConfig) Validate() error {
	var errs []error
	if c.Path == "" {
		errs = append(errs, errors.New("path is required"))
	} else if !dbus.ObjectPath(c.Path).Valid() {
		errs = append(errs, fmt.Errorf("invalid object path %q", c.Path))
	}
	if c.Interface == "" {
		errs = append(errs, errors.New("interface is required"))
	}
	if c.XML != "" {
		if _, err := dbus.ParseIntrospection(c.XML); err != nil {
			errs = append(errs, err)
		}
	}
	for _, m := range c.Methods {
		if m.Name == "" {
			errs = append(errs, errors.New("method without a name"))
		}
		if _, err := parseParams(m.Params); err != nil {
			errs = append(errs, fmt.Errorf("method %s: %w", m.Name, err))
		}
		if _, err := dynamic.ParseHint(m.Returns); err != nil {
			errs = append(errs, fmt.Errorf("method %s: %w", m.Name, err))
		}
	}
	for _, s := range c.Signals {
		if s.Name == "" {
			errs = append(errs, errors.New("signal without a name"))
		}
		if _, err := parseParams(s.Params); err != nil {
			errs = append(errs, fmt.Errorf("signal %s: %w", s.Name, err))
		}
	}
	for _, p := range c.Properties {
		if p.Name == "" {
			errs = append(errs, errors.New("property without a name"))
		}
		if _, err := dynamic.ParseHint(p.Type); err != nil {
			errs = append(errs, fmt.Errorf("property %s: %w", p.Name, err))
		}
	}
	return errors.Join(errs...)
}

func parseParams(names []string) ([]bridge.ParamKind, error) {
	var ret []bridge.ParamKind
	for _, n := range names {
		k, err := parseParamKind(n)
		if err != nil {
			return nil, err
		}
		ret = append(ret, k)
	}
	return ret, nil
}

func parseParamKind(s string) (bridge.ParamKind, error) {
	for k := bridge.Any; k <= bridge.Record; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown parameter kind %q", s)
}

// Adaptor returns an unstarted Adaptor that serves the described
// object. It assumes c is valid.
func (c *EndpointConfig) Adaptor() *bridge.Adaptor {
	reg := &bridge.Registry{}
	for _, m := range c.Methods {
		params, _ := parseParams(m.Params)
		reg.Methods = append(reg.Methods, bridge.Method{
			Name:       bridge.Mangle(m.Name),
			Params:     params,
			ReturnHint: dynamic.Hint(m.Returns),
			Invoke:     m.invoke,
		})
	}
	for _, s := range c.Signals {
		params, _ := parseParams(s.Params)
		name := s.Name
		reg.AddSignal(bridge.Mangle(name), params, func(args dynamic.List) (dynamic.Value, error) {
			log.Printf("emitting %s%s", name, dynamic.Format(args))
			return nil, nil
		})
	}
	for _, p := range c.Properties {
		reg.AddProperty(p.property())
	}

	return &bridge.Adaptor{
		Service:   c.Service,
		Path:      dbus.ObjectPath(c.Path),
		Interface: c.Interface,
		BusType:   c.Bus,
		XML:       c.XML,
		Registry:  reg,
	}
}

func (m MethodConfig) invoke(args dynamic.List) (dynamic.Value, error) {
	log.Printf("call %s%s", m.Name, dynamic.Format(args))
	switch {
	case m.Reply.Value != nil:
		return m.Reply.Value, nil
	case !m.Echo:
		return nil, nil
	case len(args) == 1:
		return args[0], nil
	default:
		return args, nil
	}
}

func (p PropertyConfig) property() bridge.Property {
	var (
		mu  sync.Mutex
		cur = p.Value.Value
	)
	ret := bridge.Property{
		Name: bridge.Mangle(p.Name),
		Hint: dynamic.Hint(p.Type),
		Get: func() dynamic.Value {
			mu.Lock()
			defer mu.Unlock()
			return cur
		},
	}
	if p.Writable {
		ret.Set = func(v dynamic.Value) error {
			log.Printf("set %s = %s", p.Name, dynamic.Format(v))
			mu.Lock()
			defer mu.Unlock()
			cur = v
			return nil
		}
	}
	return ret
}
