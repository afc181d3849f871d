package channel

import (
	"fmt"
	"strings"
	"sync"
	"text/template"
	"text/template/parse"
)

// Renderer executes text/template bodies against reminder data. Parsed
// templates are cached by source text.
type Renderer struct {
	mu    sync.RWMutex
	cache map[string]*compiled
	limit int
}

// compiled is a parsed template and the field chains it reads from the
// top-level data.
type compiled struct {
	tpl    *template.Template
	fields [][]string
}

func NewRenderer() *Renderer {
	return &Renderer{cache: make(map[string]*compiled), limit: 512}
}

// Render returns src unchanged when it holds no actions. Fields missing
// from data render as empty strings.
func (r *Renderer) Render(src string, data map[string]any) (string, error) {
	if !strings.Contains(src, "{{") {
		return src, nil
	}

	c, err := r.parse(src)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if err := c.tpl.Execute(&b, withBlanks(data, c.fields)); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return b.String(), nil
}

func (r *Renderer) parse(src string) (*compiled, error) {
	r.mu.RLock()
	c, ok := r.cache[src]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	tpl, err := template.New("message").Option("missingkey=zero").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	c = &compiled{tpl: tpl}
	collectFields(tpl.Tree.Root, &c.fields)

	r.mu.Lock()
	if len(r.cache) >= r.limit {
		clear(r.cache)
	}
	r.cache[src] = c
	r.mu.Unlock()
	return c, nil
}

// collectFields gathers field chains evaluated with dot bound to the
// top-level data. Bodies of range and with rebind dot and are skipped, as
// are their pipelines, which must stay nil to range over nothing.
func collectFields(node parse.Node, out *[][]string) {
	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, c := range n.Nodes {
			collectFields(c, out)
		}
	case *parse.ActionNode:
		collectFields(n.Pipe, out)
	case *parse.PipeNode:
		if n == nil {
			return
		}
		for _, c := range n.Cmds {
			collectFields(c, out)
		}
	case *parse.CommandNode:
		for _, arg := range n.Args {
			collectFields(arg, out)
		}
	case *parse.FieldNode:
		*out = append(*out, n.Ident)
	case *parse.IfNode:
		collectFields(n.Pipe, out)
		collectFields(n.List, out)
		collectFields(n.ElseList, out)
	case *parse.RangeNode:
		collectFields(n.ElseList, out)
	case *parse.WithNode:
		collectFields(n.ElseList, out)
	}
}

// withBlanks returns a copy of data where every field chain that resolves to
// nothing holds "". Nested maps on a chain are copied before they are filled.
func withBlanks(data map[string]any, fields [][]string) map[string]any {
	out := MergeData(data)
	for _, path := range fields {
		m := out
		for i, key := range path {
			v, ok := m[key]
			if i == len(path)-1 {
				if !ok || v == nil {
					m[key] = ""
				}
				break
			}
			var next map[string]any
			switch nv := v.(type) {
			case nil:
				next = map[string]any{}
			case map[string]any:
				next = MergeData(nv)
			}
			if next == nil {
				break
			}
			m[key] = next
			m = next
		}
	}
	return out
}

// MergeData layers contact fields over the reminder's template data.
func MergeData(base map[string]any, layers ...map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// Validate reports whether src parses as a message template.
func Validate(src string) error {
	if _, err := template.New("message").Parse(src); err != nil {
		return fmt.Errorf("parse template: %w", err)
	}
	return nil
}
