// Package schemas embeds the JSON schemas shipped with modelstage.
package schemas

import _ "embed"

//go:embed v1/assets/manifest.schema.json
var Manifest []byte

//go:embed v1/assets/event.schema.json
var Event []byte
