package mustache

import (
	"bytes"
	"encoding/json"
	"fmt"

	herrors "github.com/conneroisu/hyte/internal/errors"
)

// ProgramVersion is the payload format version written into every Program.
// The browser runtime embedded by the build package accepts only this
// version.
const ProgramVersion = 1

// Kind identifies a node in a compiled template.
type Kind string

const (
	KindText     Kind = "text"
	KindVariable Kind = "var"
	KindRaw      Kind = "raw"
	KindSection  Kind = "section"
	KindInverted Kind = "inverted"
	KindPartial  Kind = "partial"
)

// Node is one element of a compiled template tree.
type Node struct {
	Kind   Kind   `json:"k"`
	Text   string `json:"t,omitempty"`
	Name   string `json:"n,omitempty"`
	Indent string `json:"i,omitempty"`
	Nodes  []Node `json:"c,omitempty"`
}

// Program is a compiled template. It is never mutated after Compile returns.
type Program struct {
	Version int    `json:"v"`
	Nodes   []Node `json:"nodes"`
}

// Compile parses src into a Program.
func Compile(src string) (*Program, error) {
	nodes, err := Parse(src)
	if err != nil {
		return nil, err
	}
	if nodes == nil {
		nodes = []Node{}
	}

	return &Program{Version: ProgramVersion, Nodes: nodes}, nil
}

// Marshal returns the canonical payload encoding of p. Equal programs always
// encode to identical bytes. <, > and & are escaped so a payload can sit
// inside an inline <script> element.
func (p *Program) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(p); err != nil {
		return nil, herrors.WrapInternal(err, herrors.ErrCodeInternalError, "encode program")
	}

	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Unmarshal decodes a payload produced by Marshal.
func Unmarshal(payload []byte) (*Program, error) {
	var p Program
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, herrors.NewParseError("invalid compiled payload", err)
	}
	if p.Version != ProgramVersion {
		return nil, herrors.NewParseError(fmt.Sprintf("unsupported payload version %d", p.Version), nil)
	}

	return &p, nil
}
