package resources

import "embed"

//go:embed migrations rules
var FS embed.FS
