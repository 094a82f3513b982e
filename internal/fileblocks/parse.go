// Package fileblocks extracts documents that a step command printed as
// fenced blocks annotated with file=<name>.
package fileblocks

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Block is one fenced document.
type Block struct {
	Name    string
	Content string
}

var fenceOpenRe = regexp.MustCompile("^```\\w*\\s*file=(\\S+)")

// Parse returns the file= blocks in text in order of appearance. It
// recognises opening fences such as
//
//	```markdown file=prd.md
//	```file=design.md
//
// An unterminated block is dropped.
func Parse(text string) []Block {
	var (
		blocks  []Block
		current *Block
		body    []string
	)
	for _, line := range strings.Split(text, "\n") {
		if current != nil {
			if strings.TrimSpace(line) == "```" {
				current.Content = strings.Join(body, "\n")
				blocks = append(blocks, *current)
				current, body = nil, nil
				continue
			}
			body = append(body, line)
			continue
		}
		if m := fenceOpenRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			current = &Block{Name: m[1]}
		}
	}
	return blocks
}

// Materialize writes the blocks named in wanted into dir, skipping any file
// that already exists there. A later block for the same name replaces an
// earlier one. It returns the names written.
func Materialize(dir string, blocks []Block, wanted []string) ([]string, error) {
	latest := make(map[string]string)
	for _, b := range blocks {
		latest[filepath.Clean(b.Name)] = b.Content
	}

	var written []string
	for _, name := range wanted {
		content, ok := latest[filepath.Clean(name)]
		if !ok {
			continue
		}
		if !filepath.IsLocal(name) {
			return written, fmt.Errorf("output %q escapes the output directory", name)
		}
		dest := filepath.Join(dir, name)
		if _, err := os.Stat(dest); err == nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return written, err
		}
		if err := os.WriteFile(dest, []byte(content+"\n"), 0644); err != nil {
			return written, fmt.Errorf("writing %s: %w", name, err)
		}
		written = append(written, name)
	}
	return written, nil
}
