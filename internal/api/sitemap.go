package api

import (
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/health", Method: "GET", Description: "Health check endpoint"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
	{Path: "/api/plants", Method: "GET", Description: "List plants with their current snapshot"},
	{Path: "/api/plants", Method: "POST", Description: `Create a plant: {"name": "...", "options": {...}}`},
	{Path: "/api/refresh", Method: "POST", Description: "Refresh every plant"},
	{Path: "/api/plants/{entry_id}", Method: "GET", Description: "Get one plant"},
	{Path: "/api/plants/{entry_id}", Method: "DELETE", Description: "Remove a plant and its stored state"},
	{Path: "/api/plants/{entry_id}/tasks/{task}/done", Method: "POST", Description: "Mark watering or fertilizing done now"},
	{Path: "/api/plants/{entry_id}/options/{key}", Method: "PUT", Description: `Set a numeric option: {"value": 7}`},
	{Path: "/api/plants/{entry_id}/sources/{metric}", Method: "PUT", Description: `Set a source sensor: {"entity_id": "sensor.x"}`},
	{Path: "/api/plants/{entry_id}/refresh", Method: "POST", Description: "Refresh one plant"},
}

// handleSitemap lists every endpoint, as HTML for browsers and plain text
// otherwise
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	preferHTML := strings.Contains(r.Header.Get("Accept"), "text/html")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head>
    <title>Plant Care API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #3c9d4e; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>Plant Care API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprint(w, "</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "Plant Care API\n")
		fmt.Fprintf(w, "==============\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-7s %-42s %s\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "\nExample:\n\n")
		fmt.Fprintf(w, "  curl -X POST http://localhost:8080/api/plants/<entry_id>/tasks/watering/done\n")
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}
