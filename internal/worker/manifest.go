package worker

import (
	"encoding/json"
	"net/http"
)

const manifestContentType = "application/manifest+json"

// WebManifest is the web-app manifest served when neither the cache nor the
// network has a usable copy.
type WebManifest struct {
	Name            string         `yaml:"name" json:"name"`
	ShortName       string         `yaml:"short_name" json:"short_name,omitempty"`
	Description     string         `yaml:"description" json:"description,omitempty"`
	StartURL        string         `yaml:"start_url" json:"start_url"`
	Display         string         `yaml:"display" json:"display"`
	BackgroundColor string         `yaml:"background_color" json:"background_color,omitempty"`
	ThemeColor      string         `yaml:"theme_color" json:"theme_color,omitempty"`
	Icons           []ManifestIcon `yaml:"icons" json:"icons"`
}

type ManifestIcon struct {
	Src     string `yaml:"src" json:"src"`
	Sizes   string `yaml:"sizes" json:"sizes"`
	Type    string `yaml:"type" json:"type"`
	Purpose string `yaml:"purpose" json:"purpose,omitempty"`
}

func DefaultManifest() WebManifest {
	return WebManifest{
		Name:            "AutoDrive",
		ShortName:       "AutoDrive",
		Description:     "Browse and rent cars near you",
		StartURL:        "/",
		Display:         "standalone",
		BackgroundColor: "#ffffff",
		ThemeColor:      "#ec4899",
		Icons: []ManifestIcon{
			{Src: "/icons/icon-192x192.png", Sizes: "192x192", Type: "image/png", Purpose: "any maskable"},
			{Src: "/icons/icon-512x512.png", Sizes: "512x512", Type: "image/png", Purpose: "any maskable"},
		},
	}
}

func (m WebManifest) valid() bool {
	return m.Name != "" && len(m.Icons) > 0
}

// validManifest reports whether body is a JSON object with a non-empty name
// and an icons array.
func validManifest(body []byte) bool {
	var doc struct {
		Name  *string           `json:"name"`
		Icons []json.RawMessage `json:"icons"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return false
	}
	return doc.Name != nil && *doc.Name != "" && doc.Icons != nil
}

func (w *Worker) manifestBody() []byte {
	m := DefaultManifest()
	if w.cfg.Manifest != nil {
		m = *w.cfg.Manifest
	}
	b, _ := json.Marshal(m)
	return b
}

func manifestHeader() http.Header {
	h := http.Header{}
	h.Set("Content-Type", manifestContentType)
	h.Set("Cache-Control", "public, max-age=0, must-revalidate")
	return h
}

const defaultOfflineHTML = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"><title>Offline</title></head>
<body><main><h1>You are offline</h1><p>Check your connection and try again.</p></main></body>
</html>
`

func (w *Worker) offlineBody() []byte {
	if w.cfg.OfflineHTML != "" {
		return []byte(w.cfg.OfflineHTML)
	}
	return []byte(defaultOfflineHTML)
}

func offlineHeader() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	return h
}
