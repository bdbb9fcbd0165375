package manifest

import (
	"errors"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// MarkdownFile is the manifest file name looked up in each project directory.
const MarkdownFile = "project_manifest.md"

const defaultStatus = "Unknown"

var (
	mdTitle       = regexp.MustCompile(`(?m)^#\s*(?:PROGETTO|PROJECT):\s*(.*)$`)
	mdPath        = regexp.MustCompile("(?m)\\*\\*Path:\\*\\*\\s*[`'\"]?(.*?)[`'\"]?\\s*$")
	mdStatus      = regexp.MustCompile(`(?m)\*\*(?:Stato|Status):\*\*\s*(.*)$`)
	mdPort        = regexp.MustCompile(`\*\*(?:Porta|Port):\*\*\s*(\d+)`)
	mdBaseURL     = regexp.MustCompile("(?m)\\*\\*Base URL:\\*\\*\\s*[`'\"]?(.*?)[`'\"]?\\s*$")
	mdDescription = regexp.MustCompile(`(?s)##\s*(?:🎯\s*)?(?:Scopo|Purpose)\s*\n(.*?)\n##`)
)

// NewMarkdownDir returns a source reading project_manifest.md one level below dir.
func NewMarkdownDir(dir string, logger zerolog.Logger) *DirSource {
	return newDirSource("markdown", dir, MarkdownFile, ParseMarkdown, logger)
}

// ParseMarkdown extracts a manifest from markdown. id is the project directory name and
// becomes the manifest name; the title is kept as the display name.
func ParseMarkdown(id string, body []byte) (Manifest, error) {
	if len(body) == 0 {
		return Manifest{}, errors.New("manifest body is empty")
	}
	text := string(body)

	m := Manifest{
		Name:        id,
		DisplayName: firstMatch(mdTitle, text),
		Status:      firstMatch(mdStatus, text),
		Path:        firstMatch(mdPath, text),
		Description: firstMatch(mdDescription, text),
	}
	if m.DisplayName == "" {
		m.DisplayName = id
	}
	if m.Status == "" {
		m.Status = defaultStatus
	}

	if base := firstMatch(mdBaseURL, text); base != "" {
		m.Endpoints = append(m.Endpoints, strings.TrimRight(base, "/"))
	} else if port := firstMatch(mdPort, text); port != "" {
		m.Endpoints = append(m.Endpoints, "http://localhost:"+port)
	}

	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func firstMatch(re *regexp.Regexp, text string) string {
	match := re.FindStringSubmatch(text)
	if len(match) < 2 {
		return ""
	}
	return strings.TrimSpace(match[1])
}
