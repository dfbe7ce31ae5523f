package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Compile parses a minimal YARA-flavoured rule source into a Compiled rule
// set. It supports: literal string patterns (optionally "nocase" or
// "xor"), regex patterns, hex patterns with wildcards ("??"), fixed and
// ranged jumps ("[n]"/"[n-m]"), boolean conditions ("and"/"or"/"not"),
// pattern presence ("$x"), counts ("#x"), nth offsets/lengths ("@x[n]",
// "!x[n]"), integer reads ("uint8/16/32/64" and signed "int..." variants),
// and "filesize". It is a deliberately small stand-in for a full rule
// compiler, which owns its own grammar, optimization passes, and error
// reporting and is out of scope for this module.
func Compile(namespace, src string) (*Compiled, error) {
	ruleRe := regexp.MustCompile(`(?s)(private\s+)?rule\s+(\w+)\s*(:[^\{]*)?\{`)
	var out Compiled

	pos := 0
	for {
		loc := ruleRe.FindStringSubmatchIndex(src[pos:])
		if loc == nil {
			break
		}
		// Offsets are relative to src[pos:]; shift to absolute.
		for i := range loc {
			if loc[i] >= 0 {
				loc[i] += pos
			}
		}
		private := loc[2] >= 0
		name := src[loc[4]:loc[5]]
		braceOpen := loc[1] - 1 // index of the rule's opening '{'
		bodyEnd, err := matchBrace(src, braceOpen)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		body := src[braceOpen+1 : bodyEnd]
		pos = bodyEnd + 1

		rule := Rule{Name: name, Namespace: namespace, Private: private}
		stringsBody, condBody := splitSections(body)

		localNames, err := parsePatterns(&out, stringsBody)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		cond, refd, err := parseCondition(condBody, localNames)
		if err != nil {
			return nil, fmt.Errorf("rule %s condition: %w", name, err)
		}
		rule.Condition = cond
		rule.PatternIDs = refd
		rule.ID = len(out.Rules)
		out.Rules = append(out.Rules, rule)
	}
	if len(out.Rules) == 0 {
		return nil, fmt.Errorf("no rules found in source")
	}
	return &out, nil
}

// matchBrace returns the index of the '}' matching the '{' at openIdx,
// counting nested braces (hex patterns embed their own balanced pair).
func matchBrace(src string, openIdx int) (int, error) {
	depth := 0
	for i := openIdx; i < len(src); i++ {
		switch src[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("unbalanced braces")
}

func splitSections(body string) (stringsBody, condBody string) {
	sIdx := strings.Index(body, "strings:")
	cIdx := strings.Index(body, "condition:")
	if cIdx < 0 {
		return "", body
	}
	if sIdx >= 0 && sIdx < cIdx {
		stringsBody = body[sIdx+len("strings:") : cIdx]
	}
	condBody = body[cIdx+len("condition:"):]
	return stringsBody, condBody
}

var patternDefRe = regexp.MustCompile(`(?s)\$(\w+)\s*=\s*(".*?"(?:\\.[^"]*")*|/(?:\\.|[^/])*/|\{)`)

// parsePatterns scans the strings: section and appends newly-seen
// patterns to out, returning the set of "$name" -> pattern id visible to
// this rule's condition.
func parsePatterns(out *Compiled, stringsBody string) (map[string]int, error) {
	local := map[string]int{}
	i := 0
	for i < len(stringsBody) {
		idx := strings.IndexByte(stringsBody[i:], '$')
		if idx < 0 {
			break
		}
		idx += i
		m := patternDefRe.FindStringSubmatchIndex(stringsBody[idx:])
		if m == nil || m[0] != 0 {
			i = idx + 1
			continue
		}
		for k := range m {
			if m[k] >= 0 {
				m[k] += idx
			}
		}
		name := stringsBody[m[2]:m[3]]
		valStart := m[4]
		var pat Pattern
		var consumedEnd int
		switch stringsBody[valStart] {
		case '"':
			raw := stringsBody[m[4]:m[5]]
			unquoted := unescapeQuoted(raw[1 : len(raw)-1])
			consumedEnd = m[5]
			mods := stringsBody[consumedEnd:minInt(len(stringsBody), consumedEnd+40)]
			pat = Pattern{
				Name:    "$" + name,
				Kind:    KindLiteral,
				Literal: []byte(unquoted),
				Nocase:  leadingModifier(mods, "nocase"),
				XOR:     leadingModifier(mods, "xor"),
			}
		case '/':
			raw := stringsBody[m[4]:m[5]]
			consumedEnd = m[5]
			pat = Pattern{Name: "$" + name, Kind: KindRegex, RegexSrc: unescapeRegexSlashes(raw[1 : len(raw)-1])}
		case '{':
			end, err := matchBrace(stringsBody, valStart)
			if err != nil {
				return nil, fmt.Errorf("pattern $%s: %w", name, err)
			}
			hexSrc := stringsBody[valStart+1 : end]
			literal, tail, err := parseHex(hexSrc)
			if err != nil {
				return nil, fmt.Errorf("pattern $%s: %w", name, err)
			}
			pat = Pattern{Name: "$" + name, Kind: KindHex, Literal: literal, HexTail: tail}
			consumedEnd = end + 1
		}
		pat.ID = len(out.Patterns)
		out.Patterns = append(out.Patterns, pat)
		local["$"+name] = pat.ID
		i = consumedEnd
	}
	return local, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func leadingModifier(s, kw string) bool {
	return regexp.MustCompile(`^\s*` + kw + `\b`).MatchString(s)
}

func unescapeQuoted(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			sb.WriteByte(s[i+1])
			i++
			continue
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

func unescapeRegexSlashes(s string) string {
	return strings.ReplaceAll(s, `\/`, "/")
}

// parseHex turns a hex-pattern body like "41 42 ?? [2-4] 43" into a head
// literal (the longest leading run of fixed bytes) plus chained tail
// segments verified by the search package for hex patterns with
// jumps/wildcards.
func parseHex(src string) ([]byte, []HexSegment, error) {
	fields := strings.Fields(src)
	var head []byte
	var tail []HexSegment
	inHead := true
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		switch {
		case f == "??":
			inHead = false
			tail = append(tail, HexSegment{Wildcard: true, JumpMin: 1, JumpMax: 1})
		case strings.HasPrefix(f, "[") && strings.HasSuffix(f, "]"):
			inHead = false
			rng := f[1 : len(f)-1]
			var lo, hi int
			var err error
			if strings.Contains(rng, "-") {
				parts := strings.SplitN(rng, "-", 2)
				lo, err = strconv.Atoi(parts[0])
				if err != nil {
					return nil, nil, fmt.Errorf("bad jump range %q", f)
				}
				hi, err = strconv.Atoi(parts[1])
				if err != nil {
					return nil, nil, fmt.Errorf("bad jump range %q", f)
				}
			} else {
				lo, err = strconv.Atoi(rng)
				if err != nil {
					return nil, nil, fmt.Errorf("bad jump %q", f)
				}
				hi = lo
			}
			tail = append(tail, HexSegment{Wildcard: true, JumpMin: lo, JumpMax: hi})
		default:
			b, err := strconv.ParseUint(f, 16, 8)
			if err != nil {
				return nil, nil, fmt.Errorf("bad hex byte %q", f)
			}
			if inHead {
				head = append(head, byte(b))
			} else {
				if len(tail) > 0 && !tail[len(tail)-1].Wildcard {
					tail[len(tail)-1].Literal = append(tail[len(tail)-1].Literal, byte(b))
				} else {
					tail = append(tail, HexSegment{Literal: []byte{byte(b)}})
				}
			}
		}
	}
	if len(head) == 0 {
		return nil, nil, fmt.Errorf("hex pattern has no fixed leading bytes")
	}
	return head, tail, nil
}
