package graphqlhttp

import (
	"bytes"
	"embed"
	"encoding/json"
	"net/http"
)

//go:embed assets/graphiql.html assets/playground.html
var assets embed.FS

const playgroundOptionsToken = "PLAYGROUND_OPTIONS"

// GraphiQLHandler serves the embedded GraphiQL page. Mount it via
// WithGetHandler.
func GraphiQLHandler() http.Handler {
	page, _ := assets.ReadFile("assets/graphiql.html")
	return htmlHandler(page)
}

// PlaygroundHandler serves the embedded GraphQL Playground page with the
// given init options (may be nil) substituted in.
func PlaygroundHandler(options map[string]interface{}) http.Handler {
	if options == nil {
		options = map[string]interface{}{}
	}
	optionsJSON, _ := json.Marshal(options)

	page, _ := assets.ReadFile("assets/playground.html")
	page = bytes.Replace(page, []byte(playgroundOptionsToken), optionsJSON, 1)
	return htmlHandler(page)
}

func htmlHandler(page []byte) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(page)
	})
}
