package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/odvcencio/hoard/pkg/store"
)

// metricsFile collects writer metrics for one command and writes them in
// the Prometheus text format for a node exporter textfile collector.
type metricsFile struct {
	path string
	reg  *prometheus.Registry
}

func (m *metricsFile) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&m.path, "metrics-file", "", "write writer metrics to this file in Prometheus text format")
}

func (m *metricsFile) writerOptions() []store.Option {
	if m.path == "" {
		return nil
	}
	m.reg = prometheus.NewRegistry()
	return []store.Option{store.WithMetrics(store.NewMetrics(m.reg))}
}

func (m *metricsFile) flush() error {
	if m.reg == nil {
		return nil
	}
	return prometheus.WriteToTextfile(m.path, m.reg)
}
