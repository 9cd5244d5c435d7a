package tools

import (
	"strings"
)

// Block is one <<<kind.name … >>> run found in assistant output. Offsets
// address the scanned text so substitution works even when two blocks
// carry identical payloads.
type Block struct {
	Name    string
	Payload string

	start int
	end   int
}

const (
	openMarker  = "<<<"
	closeMarker = ">>>"
)

// ParseBlocks scans text for blocks of the given kind ("tool" or "agent").
// The grammar is line-oriented: an opener marker `<<<kind.name` anywhere on
// a line (the name runs to end of line; any text before the marker stays
// text), payload lines, and a closer line `>>>`. Openers without a closer
// are left as plain text. Names are lower-cased.
func ParseBlocks(text, kind string) []Block {
	prefix := openMarker + kind + "."

	var blocks []Block
	offset := 0
	for offset < len(text) {
		lineEnd := strings.IndexByte(text[offset:], '\n')
		var line string
		next := len(text)
		if lineEnd >= 0 {
			line = text[offset : offset+lineEnd]
			next = offset + lineEnd + 1
		} else {
			line = text[offset:]
		}
		trimmed := strings.TrimRight(line, "\r")

		markerAt, name := findOpener(trimmed, prefix)
		if markerAt < 0 {
			offset = next
			continue
		}

		payload, end, ok := scanToCloser(text, next)
		if !ok {
			offset = next
			continue
		}
		blocks = append(blocks, Block{
			Name:    strings.ToLower(name),
			Payload: payload,
			start:   offset + markerAt,
			end:     end,
		})
		offset = end
	}
	return blocks
}

// findOpener locates an opener marker within one line. The name is the rest
// of the line after the marker, so of several markers only the last can
// carry a valid name; occurrences with invalid names are skipped.
func findOpener(line, prefix string) (markerAt int, name string) {
	from := 0
	for {
		idx := strings.Index(line[from:], prefix)
		if idx < 0 {
			return -1, ""
		}
		idx += from
		name = line[idx+len(prefix):]
		if validBlockName(name) {
			return idx, name
		}
		from = idx + len(prefix)
	}
}

// scanToCloser collects payload lines until a line starting with `>>>`.
// A bare closer consumes its whole line including the newline, so removal
// leaves no blank residue; text following the marker on the same line is
// kept. A longer run of '>' (a merge conflict marker in a diff payload)
// does not close the block.
func scanToCloser(text string, from int) (payload string, end int, ok bool) {
	pos := from
	for pos <= len(text) {
		lineEnd := strings.IndexByte(text[pos:], '\n')
		var line string
		next := len(text)
		if lineEnd >= 0 {
			line = text[pos : pos+lineEnd]
			next = pos + lineEnd + 1
		} else {
			line = text[pos:]
		}
		if strings.HasPrefix(line, closeMarker) && !strings.HasPrefix(line[len(closeMarker):], ">") {
			payload = text[from:pos]
			// Trim the newline that separated payload from closer.
			payload = strings.TrimSuffix(strings.TrimSuffix(payload, "\n"), "\r")
			if strings.TrimRight(line[len(closeMarker):], "\r") == "" {
				return payload, next, true
			}
			return payload, pos + len(closeMarker), true
		}
		if next == len(text) && lineEnd < 0 {
			break
		}
		pos = next
	}
	return "", 0, false
}

func validBlockName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// ReplaceBlocks rebuilds text with every block's span replaced by
// repl(block). An empty replacement removes the block entirely.
func ReplaceBlocks(text string, blocks []Block, repl func(Block) string) string {
	if len(blocks) == 0 {
		return text
	}
	var b strings.Builder
	prev := 0
	for _, blk := range blocks {
		b.WriteString(text[prev:blk.start])
		if out := repl(blk); out != "" {
			b.WriteString(out)
			if blk.end > blk.start && text[blk.end-1] == '\n' {
				b.WriteByte('\n')
			}
		}
		prev = blk.end
	}
	b.WriteString(text[prev:])
	return b.String()
}

// StripBlocks removes every block of the given kind from text.
func StripBlocks(text, kind string) string {
	return ReplaceBlocks(text, ParseBlocks(text, kind), func(Block) string { return "" })
}
