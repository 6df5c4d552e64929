// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

// Package metrics registers the Prometheus instrumentation for the
// pipeline. All collectors register through promauto on the default
// registry and are served by the ops HTTP listener at /metrics.
package metrics
