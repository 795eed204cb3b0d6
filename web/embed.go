package web

import "embed"

// FS holds the dashboard's static assets.
//
//go:embed *.html *.css *.js
var FS embed.FS
