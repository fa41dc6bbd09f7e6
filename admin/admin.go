// Package admin provides the HTML/JSON monitoring endpoints for thunderpush.
package admin

import (
	"encoding/json"
	"net/http"

	rice "github.com/GeertJohan/go.rice"
	"go.uber.org/zap"

	"github.com/mroth/thunderpush"
)

// Handles serving the static HTML page
func adminStatusHTMLHandler(w http.ResponseWriter, r *http.Request, logger *zap.Logger) {
	// kinda ridiculous workaround for serving a single static file, sigh.
	box, err := rice.FindBox("views")
	if err != nil {
		logger.Error("error opening rice.Box", zap.Error(err))
		http.Error(w, "500 admin page unavailable", http.StatusInternalServerError)
		return
	}

	file, err := box.Open("admin.html")
	if err != nil {
		logger.Error("could not open admin page", zap.Error(err))
		http.Error(w, "500 admin page unavailable", http.StatusInternalServerError)
		return
	}
	defer file.Close()

	fstat, err := file.Stat()
	if err != nil {
		logger.Error("could not stat admin page", zap.Error(err))
		http.Error(w, "500 admin page unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	http.ServeContent(w, r, fstat.Name(), fstat.ModTime(), file)
}

// Handles serving the JSON status data, effectively the admin API endpoint
func adminStatusDataHandler(w http.ResponseWriter, r *http.Request, s *thunderpush.Server) {
	w.Header().Set("Content-Type", "application/json")
	b, _ := json.MarshalIndent(s.Status(), "", "  ")
	w.Write(b)
}

// AdminHandler serves /admin/ (HTML dashboard) and /admin/status.json.
func AdminHandler(s *thunderpush.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Options.DisableAdminEndpoints {
			http.Error(w, "403 admin endpoint disabled", http.StatusForbidden)
			return
		}

		mux := http.NewServeMux()
		mux.HandleFunc("/admin/", func(w http.ResponseWriter, r *http.Request) {
			adminStatusHTMLHandler(w, r, s.Logger())
		})
		mux.HandleFunc("/admin/status.json", func(w http.ResponseWriter, r *http.Request) {
			adminStatusDataHandler(w, r, s)
		})
		mux.ServeHTTP(w, r)
	})
}
