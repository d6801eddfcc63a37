package harness

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/seantiz/cellrun/internal/model"
)

// missingModulePatterns recognise "dependency not found" diagnostics from the
// supported interpreters. The first submatch is the module path.
var missingModulePatterns = []*regexp.Regexp{
	regexp.MustCompile(`No module named '([^']+)'`),
	regexp.MustCompile(`cannot load ([\w./-]+)`),
}

// Demux splits the raw captured buffers of one call into a typed result.
// An interactive document takes precedence over images and plain text.
func Demux(stdout, stderr string) model.ExecutionResult {
	res := model.ExecutionResult{Kind: model.KindText}

	if doc, ok := extractDocument(stdout); ok {
		res.Kind = model.KindDocument
		res.Text = doc
	} else {
		text, images := extractImages(stdout)
		res.Text = text
		if len(images) > 0 {
			res.Kind = model.KindImage
			res.Image = images[0]
			res.Images = images
		}
	}

	if errText := strings.TrimSpace(stderr); errText != "" {
		if hint := MissingDependencyHint(errText); hint != "" {
			errText += "\n\n" + hint
		}
		res.Error = errText
	}
	return res
}

// extractDocument returns the trimmed payload between the document sentinels.
func extractDocument(stdout string) (string, bool) {
	start := strings.Index(stdout, DocBegin)
	if start < 0 {
		return "", false
	}
	rest := stdout[start+len(DocBegin):]
	end := strings.LastIndex(rest, DocEnd)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// extractImages removes image sentinel lines and returns the remaining text
// (trimmed) with the payloads in output order.
func extractImages(stdout string) (string, []string) {
	if !strings.Contains(stdout, ImagePrefix) {
		return strings.TrimSpace(stdout), nil
	}

	var images []string
	lines := strings.Split(stdout, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if payload, ok := strings.CutPrefix(strings.TrimRight(line, "\r"), ImagePrefix); ok {
			if payload != "" {
				images = append(images, payload)
			}
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n")), images
}

// MissingDependencyHint returns a remediation hint when errText reports a
// missing module, or "" otherwise.
func MissingDependencyHint(errText string) string {
	name := MissingDependency(errText)
	if name == "" {
		return ""
	}
	return fmt.Sprintf("Hint: the package %q is not installed. Install it with InstallDependency(%q) and run the code again.", name, name)
}

// MissingDependency extracts the top-level package name from a missing-module
// diagnostic, or returns "".
func MissingDependency(errText string) string {
	for _, re := range missingModulePatterns {
		m := re.FindStringSubmatch(errText)
		if m == nil {
			continue
		}
		name := m[1]
		if i := strings.IndexAny(name, "./"); i > 0 {
			name = name[:i]
		}
		return name
	}
	return ""
}
