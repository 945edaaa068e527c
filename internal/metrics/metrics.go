// Package metrics exposes the pipeline's ingestion counters. Exposition is
// the embedding process's concern; counters register on the default
// registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ParsedIssues counts issues read from analyzer output.
	ParsedIssues = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sapp_parsed_issues_total",
		Help: "Issues parsed from analysis output.",
	})

	// ParsedFrames counts pre/postconditions read from analyzer output.
	ParsedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sapp_parsed_frames_total",
		Help: "Trace conditions parsed from analysis output.",
	})

	// SuppressedIssues counts issues dropped by the previously-seen filter.
	SuppressedIssues = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sapp_suppressed_issues_total",
		Help: "Issues suppressed because their handle was previously seen.",
	})

	// SavedRows counts rows written by the bulk saver, by table.
	SavedRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sapp_saved_rows_total",
		Help: "Rows written by the bulk saver.",
	}, []string{"table"})

	// BigTitos counts conditions whose tito positions were truncated.
	BigTitos = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sapp_big_titos_total",
		Help: "Conditions with more tito positions than the retained cap.",
	})
)
