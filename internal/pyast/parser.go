package pyast

import "strings"

// Parse scans and parses src into a Module. The returned error is always a
// *ParseError carrying the offending position.
func Parse(src string) (*Module, error) {
	lines, perr := newScanner(src).scan()
	if perr != nil {
		return nil, perr
	}

	mod := &Module{}
	type frame struct {
		indent int
		body   *[]Stmt
	}
	stack := []frame{{indent: -1, body: &mod.Body}}

	for i := range lines {
		ll := &lines[i]
		for len(stack) > 1 && ll.indent <= stack[len(stack)-1].indent {
			stack = stack[:len(stack)-1]
		}
		stmt, opens, err := parseStatement(ll)
		if err != nil {
			return nil, err
		}
		top := stack[len(stack)-1]
		*top.body = append(*top.body, stmt)
		if opens != nil {
			stack = append(stack, frame{indent: ll.indent, body: opens})
		}
	}
	return mod, nil
}

// parseStatement turns one logical line into a statement. When the line
// opens an indented block, the returned pointer designates where child
// statements attach.
func parseStatement(ll *logicalLine) (Stmt, *[]Stmt, *ParseError) {
	toks := ll.tokens
	head := toks[0]

	if head.kind == tokKeyword {
		switch head.text {
		case "import":
			st, err := parseImport(ll)
			return st, nil, err
		case "from":
			st, err := parseImportFrom(ll)
			return st, nil, err
		case "for":
			st := &For{pos: head.pos}
			attachInlineBody(toks, &st.Body, ll.pos)
			return st, &st.Body, nil
		case "while":
			st := &While{pos: head.pos}
			attachInlineBody(toks, &st.Body, ll.pos)
			return st, &st.Body, nil
		case "async":
			// `async for` / `async with` / `async def`: shift and re-dispatch.
			if len(toks) > 1 && toks[1].kind == tokKeyword {
				shifted := *ll
				shifted.tokens = toks[1:]
				return parseStatement(&shifted)
			}
		case "with":
			st := &With{pos: head.pos}
			header, rest := splitHeader(toks)
			st.Items = parseExprs(header[1:])
			if rest != nil {
				st.Body = append(st.Body, &ExprStmt{Exprs: parseExprs(rest), pos: ll.pos})
			}
			return st, &st.Body, nil
		case "if", "elif", "else", "def", "class", "try", "except", "finally":
			st := &Block{Keyword: head.text, pos: head.pos}
			header, rest := splitHeader(toks)
			st.Exprs = parseExprs(header[1:])
			if rest != nil {
				st.Body = append(st.Body, &ExprStmt{Exprs: parseExprs(rest), pos: ll.pos})
			}
			return st, &st.Body, nil
		}
	}

	return &ExprStmt{Exprs: parseExprs(toks), pos: ll.pos}, nil, nil
}

// splitHeader separates a colon-introduced statement into its header tokens
// and any inline body after the block colon (bracket depth zero only).
func splitHeader(toks []token) (header, rest []token) {
	depth := 0
	for i, t := range toks {
		if t.kind != tokOp {
			continue
		}
		switch t.text {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			depth--
		case ":":
			if depth == 0 {
				if i+1 < len(toks) {
					return toks[:i], toks[i+1:]
				}
				return toks[:i], nil
			}
		}
	}
	return toks, nil
}

func attachInlineBody(toks []token, body *[]Stmt, pos Position) {
	if _, rest := splitHeader(toks); rest != nil {
		*body = append(*body, &ExprStmt{Exprs: parseExprs(rest), pos: pos})
	}
}

func parseImport(ll *logicalLine) (*Import, *ParseError) {
	toks := ll.tokens
	st := &Import{pos: toks[0].pos}
	i := 1
	for i < len(toks) {
		name, next, err := parseDottedName(toks, i)
		if err != nil {
			return nil, err
		}
		st.Names = append(st.Names, name)
		i = next
		// Skip an optional `as alias`.
		if i < len(toks) && toks[i].kind == tokKeyword && toks[i].text == "as" {
			i += 2
		}
		if i < len(toks) && toks[i].kind == tokOp && toks[i].text == "," {
			i++
			continue
		}
		break
	}
	if len(st.Names) == 0 {
		return nil, &ParseError{Pos: toks[0].pos, Msg: "import statement missing module name"}
	}
	return st, nil
}

func parseImportFrom(ll *logicalLine) (*ImportFrom, *ParseError) {
	toks := ll.tokens
	st := &ImportFrom{pos: toks[0].pos}
	i := 1
	// Relative imports: leading dots before the optional module name.
	var dots int
	for i < len(toks) && toks[i].kind == tokOp && toks[i].text == "." {
		dots++
		i++
	}
	if i < len(toks) && (toks[i].kind == tokIdent || toks[i].kind == tokKeyword && toks[i].text != "import") {
		name, next, err := parseDottedName(toks, i)
		if err != nil {
			return nil, err
		}
		st.Module = name
		i = next
	}
	if st.Module == "" {
		if dots == 0 {
			return nil, &ParseError{Pos: toks[0].pos, Msg: "from statement missing module name"}
		}
		st.Module = strings.Repeat(".", dots)
	}
	if i >= len(toks) || toks[i].kind != tokKeyword || toks[i].text != "import" {
		return nil, &ParseError{Pos: toks[0].pos, Msg: "from statement missing import clause"}
	}
	i++
	if i < len(toks) && toks[i].kind == tokOp && toks[i].text == "*" {
		st.Wildcard = true
		return st, nil
	}
	// Parenthesized name lists are allowed; brackets are plain tokens here.
	for i < len(toks) {
		t := toks[i]
		if t.kind == tokIdent {
			st.Names = append(st.Names, t.text)
			i++
			if i < len(toks) && toks[i].kind == tokKeyword && toks[i].text == "as" {
				i += 2
			}
			continue
		}
		i++
	}
	if len(st.Names) == 0 && !st.Wildcard {
		return nil, &ParseError{Pos: toks[0].pos, Msg: "from statement missing imported names"}
	}
	return st, nil
}

func parseDottedName(toks []token, i int) (string, int, *ParseError) {
	if i >= len(toks) || toks[i].kind != tokIdent {
		return "", i, &ParseError{Pos: toks[min(i, len(toks)-1)].pos, Msg: "expected module name"}
	}
	name := toks[i].text
	i++
	for i+1 < len(toks) && toks[i].kind == tokOp && toks[i].text == "." && toks[i+1].kind == tokIdent {
		name += "." + toks[i+1].text
		i += 2
	}
	return name, i, nil
}

// parseExprs extracts every call and attribute chain from a token slice.
// Chains anchored on an unmodeled value (a call result, a subscript) get an
// Anon root so leaf-name matching still works.
func parseExprs(toks []token) []Expr {
	var out []Expr
	for i := 0; i < len(toks); {
		t := toks[i]
		if t.kind != tokIdent {
			i++
			continue
		}
		var expr Expr
		if i > 0 && toks[i-1].kind == tokOp && toks[i-1].text == "." {
			expr = &Attribute{Value: &Anon{pos: t.pos}, Attr: t.text, pos: t.pos}
		} else {
			expr = &Name{ID: t.text, pos: t.pos}
		}
		j := i + 1
		for j+1 < len(toks) && toks[j].kind == tokOp && toks[j].text == "." && toks[j+1].kind == tokIdent {
			expr = &Attribute{Value: expr, Attr: toks[j+1].text, pos: toks[j+1].pos}
			j += 2
		}
		if j < len(toks) && toks[j].kind == tokOp && toks[j].text == "(" {
			expr = &Call{Func: expr, pos: t.pos}
		}
		out = append(out, expr)
		i = j
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
