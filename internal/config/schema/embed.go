package schema

import _ "embed"

//go:embed release-grq-config.schema.json
var ConfigSchema []byte

//go:embed release-metadata.schema.json
var ReleaseMetadataSchema []byte
