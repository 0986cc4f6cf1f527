package artifacts

import _ "embed"

// GlobalSettings is the default settings.yaml written by config.Init.
//
//go:embed global/settings.yaml
var GlobalSettings []byte
