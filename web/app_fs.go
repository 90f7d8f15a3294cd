package web

import "embed"

// AppFS holds the viewer page.
//
//go:embed static
var AppFS embed.FS
