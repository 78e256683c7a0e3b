// Package save persists lookup results to an archive or a blob store.
package save

import (
	"path"
	"strings"
)

// Result is the outcome of looking up one domain.
type Result struct {
	Domain string
	Thin   string
	Thick  string
	// Server is the thick WHOIS server, empty when no referral was followed.
	Server string
	// Proxy is the proxy the final attempt went through.
	Proxy string
	Err   error
}

// Good reports whether the lookup produced a usable record.
func (r Result) Good() bool { return r.Err == nil }

// Entry is one file written for a result.
type Entry struct {
	Name string
	Body []byte
}

// Layout maps results to entry names.
type Layout struct {
	// SplitThick writes thin and thick records under separate folders.
	SplitThick bool
}

// Entries returns the files to write for r.
func (l Layout) Entries(r Result) []Entry {
	name := safeName(r.Domain)
	if !r.Good() {
		var b strings.Builder
		b.WriteString("ERROR: ")
		b.WriteString(r.Err.Error())
		b.WriteString("\n")
		if r.Thin != "" {
			b.WriteString("\n")
			b.WriteString(r.Thin)
			b.WriteString("\n")
		}
		return []Entry{{Name: path.Join("fail", name), Body: []byte(b.String())}}
	}
	if !l.SplitThick {
		return []Entry{{Name: path.Join("good", name), Body: []byte(combined(r))}}
	}
	entries := []Entry{{Name: path.Join("thin", name), Body: []byte(r.Thin + "\n")}}
	if r.Thick != "" {
		entries = append(entries, Entry{Name: path.Join("thick", name), Body: []byte(r.Thick + "\n")})
	}
	return entries
}

// DonePaths lists the entry names whose presence marks domain as finished.
func (l Layout) DonePaths(domain string) []string {
	name := safeName(domain)
	if l.SplitThick {
		return []string{path.Join("thin", name)}
	}
	return []string{path.Join("good", name)}
}

func combined(r Result) string {
	if r.Thick == "" {
		return r.Thin + "\n"
	}
	var b strings.Builder
	b.WriteString(r.Thin)
	b.WriteString("\n\n")
	if r.Server != "" {
		b.WriteString("# ")
		b.WriteString(r.Server)
		b.WriteString("\n")
	}
	b.WriteString(r.Thick)
	b.WriteString("\n")
	return b.String()
}

func safeName(domain string) string {
	domain = strings.ReplaceAll(domain, "/", "_")
	domain = strings.ReplaceAll(domain, "\\", "_")
	if domain == "" || domain == "." || domain == ".." {
		return "_"
	}
	return domain
}
