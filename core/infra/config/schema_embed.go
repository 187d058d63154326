package config

import "embed"

const brokerSchemaFile = "schema/broker.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS
