// Package command parses and dispatches the slash commands of the web
// gateway: workspace and git management, the task queue surface and skills.
package command

import (
	"strings"

	"github.com/adsdev/ads/internal/common/errs"
)

// Parsed is one command line split into verb, positionals and options.
type Parsed struct {
	Command    string
	Positional []string
	Params     map[string]string
}

// Parse splits a command line into a lowercased verb, positional arguments
// and --key=value options (a bare --key reads as "true"). Single- or
// double-quoted spans survive as one token with the quotes removed. The
// leading "/" and an "ads." prefix are accepted and stripped.
func Parse(line string) (*Parsed, error) {
	tokens, err := tokenize(line)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, errs.Validation("empty command")
	}

	verb := strings.ToLower(tokens[0])
	verb = strings.TrimPrefix(verb, "/")
	verb = strings.TrimPrefix(verb, "ads.")
	if verb == "" {
		return nil, errs.Validation("empty command")
	}

	p := &Parsed{Command: verb, Params: map[string]string{}}
	for _, tok := range tokens[1:] {
		if strings.HasPrefix(tok, "--") && len(tok) > 2 {
			key, value, found := strings.Cut(tok[2:], "=")
			if !found {
				value = "true"
			}
			p.Params[strings.ToLower(key)] = value
			continue
		}
		p.Positional = append(p.Positional, tok)
	}
	return p, nil
}

// tokenize splits on whitespace outside quotes. A quote opens a span that
// keeps spaces; the quote characters themselves are dropped, so
// --message="fix the build" arrives as one option token.
func tokenize(line string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	started := false
	var quote rune

	flush := func() {
		if started {
			tokens = append(tokens, cur.String())
			cur.Reset()
			started = false
		}
	}

	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			started = true
		case r == ' ' || r == '\t':
			flush()
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	if quote != 0 {
		return nil, errs.Validation("unterminated quote")
	}
	flush()
	return tokens, nil
}
