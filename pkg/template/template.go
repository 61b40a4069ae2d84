// Package template renders {{path.to.value}} expressions against a JSON view
// of arbitrary data.
//
// Two expression forms are supported:
//
//	{{user.name}}       value at the dotted path; strings are inserted raw,
//	                    objects and arrays as compact JSON, missing paths as "".
//	{{json user}}       pretty-printed JSON of the value at the path.
//
// Triple braces ({{{path}}}) are accepted as an alias of the double form.
// "this" (or ".") refers to the whole data value.
package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
)

const helperJSON = "json"

// Template is a compiled template. It is safe for concurrent use.
type Template struct {
	source string
	parts  []part
}

type part struct {
	literal string
	expr    *expr
}

type expr struct {
	helper string
	path   string // empty means the whole document
}

// SyntaxError reports a template that cannot be compiled.
type SyntaxError struct {
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("template: %s at offset %d", e.Msg, e.Offset)
}

// Compile parses source into a Template.
func Compile(source string) (*Template, error) {
	t := &Template{source: source}

	rest := source
	offset := 0
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			t.appendLiteral(rest)
			break
		}
		t.appendLiteral(rest[:start])

		openDelim, closeDelim := "{{", "}}"
		if strings.HasPrefix(rest[start:], "{{{") {
			openDelim, closeDelim = "{{{", "}}}"
		}
		body := rest[start+len(openDelim):]
		end := strings.Index(body, closeDelim)
		if end < 0 {
			return nil, &SyntaxError{Offset: offset + start, Msg: "unclosed expression"}
		}

		e, err := parseExpr(body[:end])
		if err != nil {
			return nil, &SyntaxError{Offset: offset + start, Msg: err.Error()}
		}
		t.parts = append(t.parts, part{expr: e})

		consumed := start + len(openDelim) + end + len(closeDelim)
		rest = rest[consumed:]
		offset += consumed
	}
	return t, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(source string) *Template {
	t, err := Compile(source)
	if err != nil {
		panic(err)
	}
	return t
}

// Source returns the template text Compile was called with.
func (t *Template) Source() string { return t.source }

func (t *Template) appendLiteral(s string) {
	if s != "" {
		t.parts = append(t.parts, part{literal: s})
	}
}

func parseExpr(raw string) (*expr, error) {
	fields := strings.Fields(raw)
	switch {
	case len(fields) == 0:
		return nil, fmt.Errorf("empty expression")
	case len(fields) == 1:
		return &expr{path: normalizePath(fields[0])}, nil
	case len(fields) == 2 && fields[0] == helperJSON:
		return &expr{helper: helperJSON, path: normalizePath(fields[1])}, nil
	case len(fields) == 2:
		return nil, fmt.Errorf("unknown helper %q", fields[0])
	default:
		return nil, fmt.Errorf("unsupported expression %q", strings.TrimSpace(raw))
	}
}

// normalizePath turns a Handlebars path into a gjson path.
func normalizePath(p string) string {
	if p == "this" || p == "." {
		return ""
	}
	p = strings.TrimPrefix(p, "this.")
	p = strings.TrimPrefix(p, "./")
	p = strings.ReplaceAll(p, "[", "")
	p = strings.ReplaceAll(p, "]", "")
	return p
}

// Render evaluates the template against data, which must be JSON-serializable.
// HTML characters are not escaped.
func (t *Template) Render(data any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		return "", fmt.Errorf("template: encode data: %w", err)
	}
	return t.RenderJSON(bytes.TrimRight(buf.Bytes(), "\n"))
}

// RenderJSON evaluates the template against an already encoded JSON document.
func (t *Template) RenderJSON(doc []byte) (string, error) {
	if len(t.parts) == 1 && t.parts[0].expr == nil {
		return t.parts[0].literal, nil
	}
	if !gjson.ValidBytes(doc) {
		return "", fmt.Errorf("template: data is not valid JSON")
	}

	var sb strings.Builder
	for _, p := range t.parts {
		if p.expr == nil {
			sb.WriteString(p.literal)
			continue
		}
		sb.WriteString(p.expr.eval(doc))
	}
	return sb.String(), nil
}

func (e *expr) eval(doc []byte) string {
	var res gjson.Result
	if e.path == "" {
		res = gjson.ParseBytes(doc)
	} else {
		res = gjson.GetBytes(doc, e.path)
	}

	if e.helper == helperJSON {
		if !res.Exists() {
			return "null"
		}
		return string(bytes.TrimRight(pretty.Pretty([]byte(res.Raw)), "\n"))
	}

	switch res.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return res.Str
	default:
		return res.Raw
	}
}

// Render compiles source and renders it against data in one call.
func Render(source string, data any) (string, error) {
	t, err := Compile(source)
	if err != nil {
		return "", err
	}
	return t.Render(data)
}
