// Package api carries the checked-in OpenAPI description of the lane API.
package api

import _ "embed"

// OpenAPI is the lane API description served at /openapi.yaml
//
//go:embed openapi.yaml
var OpenAPI []byte
