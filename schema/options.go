package schema

import (
	"fmt"
)

// Repr selects how a family of wire values is represented after decoding.
type Repr int

const (
	// ReprDefault leaves the loader's native representation in place.
	ReprDefault Repr = iota
	ReprString
	ReprNumber
	ReprArray
)

func (r Repr) String() string {
	switch r {
	case ReprString:
		return "String"
	case ReprNumber:
		return "Number"
	case ReprArray:
		return "Array"
	default:
		return ""
	}
}

// LoadOptions tune how a schema is turned into a callable service.
type LoadOptions struct {
	KeepCase bool
	Longs    Repr
	Enums    Repr
	Bytes    Repr
	Defaults bool
	Arrays   bool
	Objects  bool
	Oneofs   bool

	// IncludeDirs are searched for imports that do not resolve relative to
	// the importing file. They are local paths and are never published.
	IncludeDirs []string
}

// Validate reports option combinations the loader cannot honour.
func (o LoadOptions) Validate() error {
	switch o.Longs {
	case ReprDefault, ReprString, ReprNumber:
	default:
		return fmt.Errorf("%w: longs as %s", ErrUnsupportedOption, o.Longs)
	}
	switch o.Bytes {
	case ReprDefault, ReprString, ReprArray:
	default:
		return fmt.Errorf("%w: bytes as %s", ErrUnsupportedOption, o.Bytes)
	}
	switch o.Enums {
	case ReprDefault, ReprString:
	default:
		return fmt.Errorf("%w: enums as %s", ErrUnsupportedOption, o.Enums)
	}
	return nil
}

// StoredOptions is the text form of LoadOptions kept in the registry.
type StoredOptions struct {
	KeepCase bool   `json:"keepCase,omitempty"`
	Longs    string `json:"longs,omitempty"`
	Enums    string `json:"enums,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
	Defaults bool   `json:"defaults,omitempty"`
	Arrays   bool   `json:"arrays,omitempty"`
	Objects  bool   `json:"objects,omitempty"`
	Oneofs   bool   `json:"oneofs,omitempty"`
}

// Serialize converts o to its stored form. Include dirs are dropped.
func (o LoadOptions) Serialize() StoredOptions {
	s := StoredOptions{
		KeepCase: o.KeepCase,
		Defaults: o.Defaults,
		Arrays:   o.Arrays,
		Objects:  o.Objects,
		Oneofs:   o.Oneofs,
	}
	if o.Longs != ReprDefault {
		s.Longs = "String"
		if o.Longs == ReprNumber {
			s.Longs = "Number"
		}
	}
	if o.Bytes != ReprDefault {
		s.Bytes = "String"
		if o.Bytes == ReprArray {
			s.Bytes = "Array"
		}
	}
	if o.Enums == ReprString {
		s.Enums = "String"
	}
	return s
}

// Deserialize converts stored options back to LoadOptions. Unknown
// spellings fall back to the string representation, except for enums
// which only accept "String".
func (s StoredOptions) Deserialize() LoadOptions {
	o := LoadOptions{
		KeepCase: s.KeepCase,
		Defaults: s.Defaults,
		Arrays:   s.Arrays,
		Objects:  s.Objects,
		Oneofs:   s.Oneofs,
	}
	if s.Longs != "" {
		o.Longs = ReprString
		if s.Longs == "Number" {
			o.Longs = ReprNumber
		}
	}
	if s.Bytes != "" {
		o.Bytes = ReprString
		if s.Bytes == "Array" {
			o.Bytes = ReprArray
		}
	}
	if s.Enums == "String" {
		o.Enums = ReprString
	}
	return o
}

// IsZero reports whether nothing would be stored for s.
func (s StoredOptions) IsZero() bool {
	return s == StoredOptions{}
}
