// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rexectest

import (
	"fmt"
	"html"
	"net/http"
	"sort"
	"strings"
)

const landingHTMLTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>%s &middot; rexec service</title>
<style>
  body { font-family: system-ui, -apple-system, sans-serif; max-width: 800px;
         margin: 0 auto; padding: 40px 20px; color: #2c2c1e; background: #faf8f0; }
  h1 { color: #2d5016; margin-bottom: 4px; }
  .meta { color: #6b6b5a; font-size: 0.9em; }
  code { font-family: monospace; background: #f0ece0; padding: 2px 6px; border-radius: 3px; }
  table { border-collapse: collapse; width: 100%%; margin-top: 16px; }
  th, td { text-align: left; padding: 6px 10px; border-bottom: 1px solid #e6e1d2; }
  th { color: #6b6b5a; font-weight: 600; font-size: 0.85em; text-transform: uppercase; }
  .public { color: #2d5016; }
  .private { color: #8a3b12; }
</style>
</head>
<body>
<h1>%s</h1>
<p class="meta">rexec service &middot; version <code>%s</code></p>
<h2>Methods</h2>
<p>%s</p>
<h2>Repository</h2>
<table>
<tr><th>Author</th><th>Directory</th><th>Name</th><th>Kind</th><th>Access</th></tr>
%s</table>
</body>
</html>`

func (s *Service) buildLandingHTML() []byte {
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, "<code>"+html.EscapeString(name)+"</code>")
	}
	sort.Strings(names)

	var rows strings.Builder
	for _, l := range s.repo.List() {
		access := "private"
		if l.Access == Public {
			access = "public"
		}
		fmt.Fprintf(&rows, "<tr><td>%s</td><td>%s</td><td><code>%s</code></td><td>%s</td><td class=%q>%s</td></tr>\n",
			html.EscapeString(l.Key.Author), html.EscapeString(l.Key.Directory), html.EscapeString(l.Key.Name),
			l.Kind, access, access)
	}

	id := html.EscapeString(s.serverID)
	return fmt.Appendf(nil, landingHTMLTemplate, id, id, Version, strings.Join(names, " "), rows.String())
}

func (s *Service) handleLandingPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.buildLandingHTML())
}
