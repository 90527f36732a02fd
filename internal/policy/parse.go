package policy

import (
	"path"
	"strings"

	"helpdesk/api/internal/retrieval"
	"helpdesk/api/internal/util"
)

// Split turns a policy file into one document per "## " section. The first
// "# " heading is the title; the top-level directory is the category.
func Split(f File, revision string) []retrieval.Document {
	title := strings.TrimSuffix(path.Base(f.Path), path.Ext(f.Path))
	category := ""
	if dir := path.Dir(f.Path); dir != "." {
		category = strings.SplitN(dir, "/", 2)[0]
	}

	type section struct {
		name string
		body []string
	}
	var sections []section
	cur := section{}
	for _, line := range strings.Split(f.Content, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "# "):
			title = strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))
		case strings.HasPrefix(trimmed, "## "):
			if len(cur.body) > 0 || cur.name != "" {
				sections = append(sections, cur)
			}
			cur = section{name: strings.TrimSpace(strings.TrimPrefix(trimmed, "## "))}
		default:
			cur.body = append(cur.body, line)
		}
	}
	sections = append(sections, cur)

	var docs []retrieval.Document
	for _, s := range sections {
		body := strings.TrimSpace(strings.Join(s.body, "\n"))
		if body == "" {
			continue
		}
		docs = append(docs, retrieval.Document{
			ID:          "pol_" + util.Fingerprint(f.Path, s.name)[:24],
			Title:       title,
			Source:      f.Path,
			Category:    category,
			Section:     s.name,
			Revision:    revision,
			Body:        body,
			Fingerprint: util.Fingerprint(util.NormalizeText(title), util.NormalizeText(s.name), util.NormalizeText(body)),
		})
	}
	return docs
}
