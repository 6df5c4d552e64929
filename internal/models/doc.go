// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

// Package models defines the shared domain types of the matching pipeline:
// jobs and their phases, completion counters, the processed-event ledger
// record, vector-bearing assets and match decisions.
//
// Types here carry no behavior beyond validity checks; all mutation goes
// through the ledger, tracker, phase and store packages, which enforce the
// atomic-transition discipline the pipeline depends on.
package models
