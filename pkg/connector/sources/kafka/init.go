package kafka

import (
	"github.com/ajitpratap0/streamcore/pkg/connector/registry"
)

func init() {
	_ = registry.RegisterSource("kafka", NewKafkaSource)
}
