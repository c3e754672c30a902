// Package schema loads service definitions and turns them into portable
// descriptors that can be published next to a registry entry.
//
// A schema file is YAML (or JSON, which YAML accepts):
//
//	package: echo.v1
//	import:
//	  - common.yaml
//	services:
//	  Echo:
//	    methods:
//	      Say: {request: SayRequest, response: SayReply}
//
// Imports resolve relative to the importing file first and then against
// LoadOptions.IncludeDirs.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Method describes one RPC.
type Method struct {
	RequestType  string `json:"requestType" yaml:"request"`
	ResponseType string `json:"responseType" yaml:"response"`
}

// ServiceSchema is the method table of one service.
type ServiceSchema struct {
	Methods map[string]Method `json:"methods" yaml:"methods"`
}

// Descriptor is the portable form of a set of schema files, keyed by fully
// qualified service name.
type Descriptor struct {
	Services map[string]*ServiceSchema `json:"services"`
}

// Service is a loaded service: the constructor side of a stub.
type Service struct {
	FullName string
	Methods  []string
	Options  LoadOptions

	schema *ServiceSchema
}

// Path returns the wire method path for m.
func (s *Service) Path(m string) string {
	return "/" + s.FullName + "/" + m
}

// HasMethod reports whether the service defines m.
func (s *Service) HasMethod(m string) bool {
	_, ok := s.schema.Methods[m]
	return ok
}

// Method returns the request and response types of m.
func (s *Service) Method(m string) (Method, bool) {
	md, ok := s.schema.Methods[m]
	return md, ok
}

// Unmarshal decodes a JSON payload for this service. Integers are kept as
// json.Number when longs are represented as strings.
func (s *Service) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if s.Options.Longs == ReprString {
		dec.UseNumber()
	}
	return dec.Decode(v)
}

// Service builds the named service out of d.
func (d *Descriptor) Service(name string, opts LoadOptions) (*Service, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	ss, ok := d.Services[name]
	if !ok || ss == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	methods := make([]string, 0, len(ss.Methods))
	for m := range ss.Methods {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return &Service{FullName: name, Methods: methods, Options: opts, schema: ss}, nil
}

// Marshal returns the JSON blob form of d.
func (d *Descriptor) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// ParseDescriptor decodes a blob produced by Descriptor.Marshal.
func ParseDescriptor(buf []byte) (*Descriptor, error) {
	if len(buf) == 0 {
		return nil, errors.New("schema: empty descriptor")
	}
	var d Descriptor
	if err := json.Unmarshal(buf, &d); err != nil {
		return nil, fmt.Errorf("schema: parse descriptor: %w", err)
	}
	if d.Services == nil {
		d.Services = make(map[string]*ServiceSchema)
	}
	return &d, nil
}

// LoadFile loads serviceName from the given schema files.
func LoadFile(filenames []string, serviceName string, opts LoadOptions) (*Service, *Descriptor, error) {
	if len(filenames) == 0 {
		return nil, nil, errors.New("schema: no schema files given")
	}
	if serviceName == "" {
		return nil, nil, errors.New("schema: service name is required")
	}
	d, err := loadFiles(filenames, opts.IncludeDirs)
	if err != nil {
		return nil, nil, err
	}
	svc, err := d.Service(serviceName, opts)
	if err != nil {
		return nil, nil, err
	}
	return svc, d, nil
}

// LoadBuffer loads serviceName from a descriptor blob.
func LoadBuffer(buf []byte, serviceName string, opts LoadOptions) (*Service, *Descriptor, error) {
	if serviceName == "" {
		return nil, nil, errors.New("schema: service name is required")
	}
	d, err := ParseDescriptor(buf)
	if err != nil {
		return nil, nil, err
	}
	svc, err := d.Service(serviceName, opts)
	if err != nil {
		return nil, nil, err
	}
	return svc, d, nil
}

// DescriptorToBuffer loads the given schema files, with their imports, and
// returns the descriptor blob.
func DescriptorToBuffer(filenames []string, includeDirs []string) ([]byte, error) {
	d, err := loadFiles(filenames, includeDirs)
	if err != nil {
		return nil, err
	}
	return d.Marshal()
}

type schemaFile struct {
	Package  string                    `yaml:"package"`
	Imports  []string                  `yaml:"import"`
	Services map[string]*ServiceSchema `yaml:"services"`
}

type fileLoader struct {
	includeDirs []string
	seen        map[string]bool
	desc        *Descriptor
}

func loadFiles(filenames []string, includeDirs []string) (*Descriptor, error) {
	l := &fileLoader{
		includeDirs: includeDirs,
		seen:        make(map[string]bool),
		desc:        &Descriptor{Services: make(map[string]*ServiceSchema)},
	}
	for _, f := range filenames {
		if err := l.load(f); err != nil {
			return nil, err
		}
	}
	return l.desc, nil
}

func (l *fileLoader) load(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if l.seen[abs] {
		return nil
	}
	l.seen[abs] = true

	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	var f schemaFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("schema: parse %s: %w", path, err)
	}

	for _, imp := range f.Imports {
		resolved, err := l.resolve(filepath.Dir(abs), imp)
		if err != nil {
			return err
		}
		if err := l.load(resolved); err != nil {
			return err
		}
	}

	for name, ss := range f.Services {
		if ss == nil {
			ss = &ServiceSchema{}
		}
		if ss.Methods == nil {
			ss.Methods = make(map[string]Method)
		}
		full := name
		if f.Package != "" {
			full = f.Package + "." + name
		}
		if _, dup := l.desc.Services[full]; dup {
			return fmt.Errorf("schema: service %q defined twice", full)
		}
		l.desc.Services[full] = ss
	}
	return nil
}

func (l *fileLoader) resolve(dir, imp string) (string, error) {
	if filepath.IsAbs(imp) {
		return imp, nil
	}
	candidates := append([]string{dir}, l.includeDirs...)
	for _, base := range candidates {
		p := filepath.Join(base, imp)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("schema: import %q not found (searched %s)", imp, strings.Join(candidates, ", "))
}
