// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package graph

import "time"

// SetRetryDelays shortens throttle backoff for tests.
func SetRetryDelays(c *Client, delays ...time.Duration) {
	c.retryDelays = delays
}
