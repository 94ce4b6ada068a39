package json

import (
	"github.com/ajitpratap0/streamcore/pkg/connector/registry"
)

func init() {
	_ = registry.RegisterSource("jsonl", NewJSONSource)
}
