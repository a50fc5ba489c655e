package mustache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"

	herrors "github.com/conneroisu/hyte/internal/errors"
)

// maxPartialDepth bounds recursive partial expansion.
const maxPartialDepth = 64

// Executor runs a serialized compiled payload against data.
type Executor interface {
	Execute(w io.Writer, payload []byte, data interface{}) error
}

// PartialLoader resolves {{> name}} tags. A missing partial is reported as
// (nil, nil) and renders as empty.
type PartialLoader interface {
	LoadPartial(name string) (*Program, error)
}

// PartialFunc adapts a function to PartialLoader.
type PartialFunc func(name string) (*Program, error)

// LoadPartial implements PartialLoader.
func (f PartialFunc) LoadPartial(name string) (*Program, error) {
	return f(name)
}

// Renderer executes Programs. The zero value renders partials as empty.
type Renderer struct {
	Partials PartialLoader
}

var _ Executor = (*Renderer)(nil)

// Render executes p against data and writes the output to w.
func (r *Renderer) Render(w io.Writer, p *Program, data interface{}) error {
	var buf bytes.Buffer
	st := &state{renderer: r, out: &buf}
	if err := st.walk(p.Nodes, []interface{}{data}, 0); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())

	return err
}

// Execute decodes payload and renders it.
func (r *Renderer) Execute(w io.Writer, payload []byte, data interface{}) error {
	p, err := Unmarshal(payload)
	if err != nil {
		return err
	}

	return r.Render(w, p, data)
}

// RenderString renders p with no partials.
func RenderString(p *Program, data interface{}) (string, error) {
	var sb strings.Builder
	if err := (&Renderer{}).Render(&sb, p, data); err != nil {
		return "", err
	}

	return sb.String(), nil
}

type state struct {
	renderer *Renderer
	out      *bytes.Buffer
}

func (s *state) walk(nodes []Node, stack []interface{}, depth int) error {
	for i := range nodes {
		n := &nodes[i]
		switch n.Kind {
		case KindText:
			s.out.WriteString(n.Text)
		case KindVariable:
			s.out.WriteString(escapeHTML(stringify(lookup(stack, n.Name))))
		case KindRaw:
			s.out.WriteString(stringify(lookup(stack, n.Name)))
		case KindSection:
			if err := s.section(n, stack, depth); err != nil {
				return err
			}
		case KindInverted:
			if !truthy(lookup(stack, n.Name)) {
				if err := s.walk(n.Nodes, stack, depth); err != nil {
					return err
				}
			}
		case KindPartial:
			if err := s.partial(n, stack, depth); err != nil {
				return err
			}
		default:
			return herrors.NewParseError(fmt.Sprintf("unknown node kind %q", n.Kind), nil)
		}
	}

	return nil
}

func (s *state) section(n *Node, stack []interface{}, depth int) error {
	value := lookup(stack, n.Name)
	if !truthy(value) {
		return nil
	}

	if items, ok := asList(value); ok {
		for _, item := range items {
			if err := s.walk(n.Nodes, push(stack, item), depth); err != nil {
				return err
			}
		}

		return nil
	}

	return s.walk(n.Nodes, push(stack, value), depth)
}

func (s *state) partial(n *Node, stack []interface{}, depth int) error {
	if s.renderer == nil || s.renderer.Partials == nil {
		return nil
	}
	if depth >= maxPartialDepth {
		return herrors.NewSyntaxError(fmt.Sprintf("partial %q nested too deeply", n.Name), 0, 0)
	}

	p, err := s.renderer.Partials.LoadPartial(n.Name)
	if err != nil {
		return err
	}
	if p == nil {
		return nil
	}

	if n.Indent == "" {
		return s.walk(p.Nodes, stack, depth+1)
	}

	inner := &state{renderer: s.renderer, out: &bytes.Buffer{}}
	if err := inner.walk(p.Nodes, stack, depth+1); err != nil {
		return err
	}
	s.out.WriteString(indentLines(inner.out.String(), n.Indent))

	return nil
}

func push(stack []interface{}, v interface{}) []interface{} {
	next := make([]interface{}, len(stack), len(stack)+1)
	copy(next, stack)

	return append(next, v)
}

func indentLines(s, indent string) string {
	if s == "" {
		return s
	}
	lines := strings.SplitAfter(s, "\n")
	var sb strings.Builder
	for _, line := range lines {
		if line == "" {
			continue
		}
		sb.WriteString(indent)
		sb.WriteString(line)
	}

	return sb.String()
}

// lookup resolves a possibly dotted name against the context stack. The
// first segment is searched from the innermost context outwards; the
// remaining segments are resolved strictly within the value found.
func lookup(stack []interface{}, name string) interface{} {
	if name == "." {
		return stack[len(stack)-1]
	}

	parts := strings.Split(name, ".")
	var value interface{}
	found := false
	for i := len(stack) - 1; i >= 0; i-- {
		if v, ok := field(stack[i], parts[0]); ok {
			value, found = v, true
			break
		}
	}
	if !found {
		return nil
	}

	for _, part := range parts[1:] {
		v, ok := field(value, part)
		if !ok {
			return nil
		}
		value = v
	}

	return value
}

func field(ctx interface{}, key string) (interface{}, bool) {
	switch c := ctx.(type) {
	case nil:
		return nil, false
	case map[string]interface{}:
		v, ok := c[key]
		return v, ok
	case map[string]string:
		v, ok := c[key]
		return v, ok
	}

	rv := reflect.ValueOf(ctx)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	case reflect.Struct:
		f := rv.FieldByName(key)
		if !f.IsValid() || !f.CanInterface() {
			return nil, false
		}
		return f.Interface(), true
	}

	return nil, false
}

func asList(v interface{}) ([]interface{}, bool) {
	switch l := v.(type) {
	case []interface{}:
		return l, true
	case []string:
		out := make([]interface{}, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}

	return out, true
}

// truthy follows the JavaScript rules the compiled payloads are consumed
// with: false, null, 0, "" and empty lists are falsey.
func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	}

	if items, ok := asList(v); ok {
		return len(items) > 0
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map:
		return !rv.IsNil()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32:
		return rv.Float() != 0
	}

	return true
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case json.Number:
		return t.String()
	case fmt.Stringer:
		return t.String()
	}

	if items, ok := asList(v); ok {
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = stringify(item)
		}
		return strings.Join(parts, ",")
	}

	return fmt.Sprint(v)
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
)

func escapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}
