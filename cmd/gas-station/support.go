package main

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v2"
)

// prometheusRegistry returns the registerer collectors are attached to.
// metrics.Collectors.Handler serves prometheus/client_golang's default
// global gatherer, so production registration must go through the same
// default registerer rather than a private one (tests use their own,
// see internal/metrics.New's doc comment).
func prometheusRegistry() prometheus.Registerer {
	return prometheus.DefaultRegisterer
}

func yamlEncoder(w io.Writer) *yaml.Encoder {
	return yaml.NewEncoder(w)
}
