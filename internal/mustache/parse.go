// Package mustache implements the logic-less mustache template language.
//
// Templates are parsed into a tree of Nodes and wrapped in a Program. A
// Program is an immutable value with a canonical JSON encoding, so it can be
// cached, embedded verbatim into generated JavaScript, and executed later
// through an Executor without access to the template source.
//
// Supported tags: variables ({{name}}, {{{name}}}, {{& name}}), sections
// ({{#name}}...{{/name}}), inverted sections ({{^name}}...{{/name}}),
// comments ({{! ...}}), partials ({{> name}}) and delimiter changes
// ({{=<% %>=}}). Standalone tag lines are removed as the mustache
// specification requires.
package mustache

import (
	"fmt"
	"strings"

	herrors "github.com/conneroisu/hyte/internal/errors"
)

const (
	defaultOpen  = "{{"
	defaultClose = "}}"
)

type frame struct {
	kind   Kind
	name   string
	nodes  []Node
	offset int
}

type parser struct {
	src    string
	pos    int
	otag   string
	ctag   string
	frames []*frame
}

// Parse parses mustache source into a node tree.
func Parse(src string) ([]Node, error) {
	p := &parser{
		src:    src,
		otag:   defaultOpen,
		ctag:   defaultClose,
		frames: []*frame{{kind: KindText}},
	}
	if err := p.run(); err != nil {
		return nil, err
	}

	return p.frames[0].nodes, nil
}

func (p *parser) top() *frame {
	return p.frames[len(p.frames)-1]
}

func (p *parser) errorf(offset int, format string, args ...interface{}) error {
	line, col := position(p.src, offset)

	return herrors.NewSyntaxError(fmt.Sprintf(format, args...), line, col)
}

func (p *parser) run() error {
	for {
		i := strings.Index(p.src[p.pos:], p.otag)
		if i < 0 {
			p.appendText(p.src[p.pos:])
			break
		}
		tagStart := p.pos + i

		t, err := p.readTag(tagStart)
		if err != nil {
			return err
		}

		textEnd := tagStart
		if t.standaloneCandidate() {
			if lineStart, lineEnd, ok := p.standalone(tagStart, t.end); ok {
				t.indent = p.src[lineStart:tagStart]
				textEnd = lineStart
				t.end = lineEnd
			}
		}

		p.appendText(p.src[p.pos:textEnd])
		p.pos = t.end

		if err := p.apply(t); err != nil {
			return err
		}
	}

	if len(p.frames) > 1 {
		open := p.top()

		return p.errorf(open.offset, "unclosed section %q", open.name)
	}

	return nil
}

type tag struct {
	sigil  byte
	name   string
	start  int
	end    int
	indent string
	otag   string
	ctag   string
}

func (t *tag) standaloneCandidate() bool {
	switch t.sigil {
	case '#', '^', '/', '!', '>', '=':
		return true
	}

	return false
}

func (p *parser) readTag(start int) (*tag, error) {
	inner := start + len(p.otag)
	if inner >= len(p.src) {
		return nil, p.errorf(start, "unclosed tag")
	}

	t := &tag{start: start}

	switch p.src[inner] {
	case '{':
		closer := "}" + p.ctag
		j := strings.Index(p.src[inner+1:], closer)
		if j < 0 {
			return nil, p.errorf(start, "unclosed tag")
		}
		t.sigil = '&'
		t.name = strings.TrimSpace(p.src[inner+1 : inner+1+j])
		t.end = inner + 1 + j + len(closer)
	case '=':
		closer := "=" + p.ctag
		j := strings.Index(p.src[inner+1:], closer)
		if j < 0 {
			return nil, p.errorf(start, "unclosed delimiter tag")
		}
		fields := strings.Fields(p.src[inner+1 : inner+1+j])
		if len(fields) != 2 || strings.Contains(fields[0], "=") || strings.Contains(fields[1], "=") {
			return nil, p.errorf(start, "invalid delimiter tag")
		}
		t.sigil = '='
		t.otag, t.ctag = fields[0], fields[1]
		t.end = inner + 1 + j + len(closer)

		return t, nil
	default:
		j := strings.Index(p.src[inner:], p.ctag)
		if j < 0 {
			return nil, p.errorf(start, "unclosed tag")
		}
		body := strings.TrimSpace(p.src[inner : inner+j])
		t.end = inner + j + len(p.ctag)
		if body == "" {
			return nil, p.errorf(start, "empty tag")
		}
		switch body[0] {
		case '#', '^', '/', '!', '>', '&':
			t.sigil = body[0]
			t.name = strings.TrimSpace(body[1:])
		default:
			t.name = body
		}
	}

	if t.sigil == '!' {
		return t, nil
	}
	if t.name == "" {
		return nil, p.errorf(start, "empty tag name")
	}
	if strings.ContainsAny(t.name, " \t\r\n") {
		return nil, p.errorf(start, "invalid tag name %q", t.name)
	}

	return t, nil
}

// standalone reports whether the tag spanning [start,end) is alone on its
// line, returning the bounds of the line to drop.
func (p *parser) standalone(start, end int) (int, int, bool) {
	lineStart := strings.LastIndexByte(p.src[:start], '\n') + 1
	if lineStart < p.pos || !isBlank(p.src[lineStart:start]) {
		return 0, 0, false
	}

	rest := p.src[end:]
	nl := strings.IndexByte(rest, '\n')
	var after string
	lineEnd := len(p.src)
	if nl >= 0 {
		after = rest[:nl]
		lineEnd = end + nl + 1
	} else {
		after = rest
	}
	after = strings.TrimSuffix(after, "\r")
	if !isBlank(after) {
		return 0, 0, false
	}

	return lineStart, lineEnd, true
}

func (p *parser) apply(t *tag) error {
	switch t.sigil {
	case 0:
		p.appendNode(Node{Kind: KindVariable, Name: t.name})
	case '&':
		p.appendNode(Node{Kind: KindRaw, Name: t.name})
	case '!':
	case '=':
		p.otag, p.ctag = t.otag, t.ctag
	case '>':
		p.appendNode(Node{Kind: KindPartial, Name: t.name, Indent: t.indent})
	case '#', '^':
		kind := KindSection
		if t.sigil == '^' {
			kind = KindInverted
		}
		p.frames = append(p.frames, &frame{kind: kind, name: t.name, offset: t.start})
	case '/':
		if len(p.frames) == 1 {
			return p.errorf(t.start, "unexpected close tag %q", t.name)
		}
		open := p.top()
		if open.name != t.name {
			return p.errorf(t.start, "close tag %q does not match open section %q", t.name, open.name)
		}
		p.frames = p.frames[:len(p.frames)-1]
		p.appendNode(Node{Kind: open.kind, Name: open.name, Nodes: open.nodes})
	}

	return nil
}

func (p *parser) appendText(s string) {
	if s == "" {
		return
	}
	f := p.top()
	if n := len(f.nodes); n > 0 && f.nodes[n-1].Kind == KindText {
		f.nodes[n-1].Text += s
		return
	}
	f.nodes = append(f.nodes, Node{Kind: KindText, Text: s})
}

func (p *parser) appendNode(n Node) {
	f := p.top()
	f.nodes = append(f.nodes, n)
}

func isBlank(s string) bool {
	return strings.TrimLeft(s, " \t") == ""
}

// position converts a byte offset into a 1-based line and column.
func position(src string, offset int) (int, int) {
	if offset > len(src) {
		offset = len(src)
	}
	before := src[:offset]
	line := strings.Count(before, "\n") + 1
	col := offset - strings.LastIndexByte(before, '\n')

	return line, col
}
