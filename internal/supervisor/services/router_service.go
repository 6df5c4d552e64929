// Framematch - Product-Video Visual Matching Pipeline
// Copyright 2026 Framematch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/framematch/framematch

package services

import (
	"context"
	"fmt"
)

// MessageRouter is the subset of the event router the wrapper needs.
// Satisfied by *eventprocessor.Router.
type MessageRouter interface {
	Run(ctx context.Context) error
}

// RouterService runs the Watermill router under supervision. Router.Run
// blocks until the context is cancelled, which maps directly onto
// suture's Serve contract; a crash is surfaced as an error so suture
// restarts message consumption with backoff.
type RouterService struct {
	router MessageRouter
	name   string
}

// NewRouterService wraps the event router.
func NewRouterService(router MessageRouter) *RouterService {
	return &RouterService{router: router, name: "event-router"}
}

// Serve implements suture.Service.
func (r *RouterService) Serve(ctx context.Context) error {
	if err := r.router.Run(ctx); err != nil {
		return fmt.Errorf("event router: %w", err)
	}
	return ctx.Err()
}

// String implements fmt.Stringer for suture's event log.
func (r *RouterService) String() string {
	return r.name
}
