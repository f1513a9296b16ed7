// Package xmlmatch builds session Matchers from XPath expressions, for
// correlating XML replies (such as NETCONF <rpc-reply> messages) with
// the request awaiting them.
package xmlmatch

import (
	"bytes"
	"strings"

	"github.com/andaru/dgram/session"
	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
	"github.com/pkg/errors"
)

// Compile returns a Matcher accepting messages which parse as XML and in
// which expr selects at least one node.
func Compile(expr string) (session.Matcher, error) {
	xp, err := xpath.Compile(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "xmlmatch: compile %q", expr)
	}
	return Expr(xp), nil
}

// MustCompile is like Compile but panics on an invalid expression.
func MustCompile(expr string) session.Matcher {
	m, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return m
}

// Expr returns a Matcher for a compiled expression.
func Expr(xp *xpath.Expr) session.Matcher {
	return func(msg []byte) bool {
		doc, err := xmlquery.Parse(bytes.NewReader(msg))
		if err != nil {
			return false
		}
		return xmlquery.QuerySelector(doc, xp) != nil
	}
}

// MessageID returns a Matcher for an <rpc-reply> element, in any
// namespace, carrying the message-id attribute id.
func MessageID(id string) session.Matcher {
	return MustCompile("/*[local-name()='rpc-reply'][@message-id=" + literal(id) + "]")
}

// literal quotes s as an XPath 1.0 string literal.
func literal(s string) string {
	switch {
	case !strings.Contains(s, "'"):
		return "'" + s + "'"
	case !strings.Contains(s, `"`):
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	for i, p := range parts {
		parts[i] = "'" + p + "'"
	}
	return "concat(" + strings.Join(parts, `, "'", `) + ")"
}
