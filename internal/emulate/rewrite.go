package emulate

import (
	"bytes"
	"regexp"
	"strings"
)

// formPattern matches an opening form tag carrying a quoted method attribute.
// Groups: 1 text between "<form" and "method=", 2 the method value, 3 the
// rest of the tag up to ">". The attribute must follow whitespace, so
// "<formmethod=" and "<form xmethod=" never match while "<form\t-\tmethod="
// does. Whitespace includes the vertical tab, which \s leaves out.
var formPattern = regexp.MustCompile(`(?i)<form([\t\n\v\f\r ][^>]*[\t\n\v\f\r ]|[\t\n\v\f\r ])method="([a-zA-Z]+)"([^>]*)>`)

// hiddenField builds the non-displayed block carrying the original verb.
func hiddenField(method string, xhtml bool) string {
	end := ">"
	if xhtml {
		end = " />"
	}
	return `<div style="display:none;"><input type="hidden" name="` + FieldName +
		`" value="` + method + `"` + end + `</div>`
}

// RewriteForms replaces every PUT or DELETE form tag in body with a POST
// form followed by a hidden _method field. Everything else, including forms
// with any other method, is copied through unchanged. When xhtml is set the
// injected input is self-closing.
func RewriteForms(body []byte, xhtml bool) []byte {
	out, _ := rewriteForms(body, xhtml)
	return out
}

// rewriteForms is RewriteForms that also reports how many tags it replaced.
func rewriteForms(body []byte, xhtml bool) ([]byte, int) {
	matches := formPattern.FindAllSubmatchIndex(body, -1)
	if len(matches) == 0 {
		return body, 0
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(matches)*96)

	last, n := 0, 0
	for _, m := range matches {
		method := strings.ToUpper(string(body[m[4]:m[5]]))
		if !emulated(method) {
			continue
		}
		buf.Write(body[last:m[0]])
		buf.WriteString("<form")
		buf.Write(body[m[2]:m[3]])
		buf.WriteString(`method="post"`)
		buf.Write(body[m[6]:m[7]])
		buf.WriteString(">")
		buf.WriteString(hiddenField(method, xhtml))
		last = m[1]
		n++
	}
	if n == 0 {
		return body, 0
	}
	buf.Write(body[last:])
	return buf.Bytes(), n
}

// emulated reports whether an uppercased method is one forms cannot send.
func emulated(method string) bool {
	return method == "PUT" || method == "DELETE"
}
