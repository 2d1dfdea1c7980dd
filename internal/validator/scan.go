package validator

// Balance reports unmatched delimiters in TypeScript/TSX source: a positive
// value means closers are missing, negative means extra closers. String,
// template and comment contents are skipped; template ${...} expressions are
// scanned as code.
type Balance struct {
	Braces int
	Parens int
	// Open is set when the input ends inside a template literal or a block
	// comment, where appending closers would not change the balance.
	Open bool
}

func (b Balance) OK() bool { return b.Braces == 0 && b.Parens == 0 }

const (
	modeCode = iota
	modeTemplate
)

// Scan walks src once and returns its delimiter balance.
func Scan(src string) Balance {
	var b Balance
	// stack of enclosing modes; a templateExpr frame is pushed on ${
	type frame struct{ templateExpr bool }
	var stack []frame
	mode := modeCode

	n := len(src)
	for i := 0; i < n; i++ {
		c := src[i]
		if mode == modeTemplate {
			switch {
			case c == '\\':
				i++
			case c == '`':
				mode = modeCode
			case c == '$' && i+1 < n && src[i+1] == '{':
				i++
				stack = append(stack, frame{templateExpr: true})
				mode = modeCode
			}
			continue
		}

		switch c {
		case '/':
			if i+1 < n && src[i+1] == '/' {
				for i < n && src[i] != '\n' {
					i++
				}
			} else if i+1 < n && src[i+1] == '*' {
				i += 2
				for i+1 < n && !(src[i] == '*' && src[i+1] == '/') {
					i++
				}
				if i+1 >= n {
					b.Open = true
				}
				i++
			}
		case '\'', '"':
			q := c
			for i++; i < n && src[i] != q && src[i] != '\n'; i++ {
				if src[i] == '\\' {
					i++
				}
			}
		case '`':
			mode = modeTemplate
		case '{':
			b.Braces++
			stack = append(stack, frame{})
		case '}':
			if len(stack) > 0 && stack[len(stack)-1].templateExpr {
				stack = stack[:len(stack)-1]
				mode = modeTemplate
				continue
			}
			b.Braces--
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case '(':
			b.Parens++
		case ')':
			b.Parens--
		}
	}
	if mode == modeTemplate {
		b.Open = true
	}
	for _, f := range stack {
		if f.templateExpr {
			b.Open = true
		}
	}
	return b
}
