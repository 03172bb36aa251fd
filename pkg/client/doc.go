// Package client is the Go SDK for the anchord HTTP API.
//
// Reads need no credentials:
//
//	c, _ := client.New("https://anchord.internal")
//	res, err := c.Verify(ctx, 1001, summary)
//	if client.IsNotAnchored(err) {
//	    // never anchored; not a mismatch
//	}
//
// Anchoring, cancellation and resume require an operator token:
//
//	c, _ := client.New(baseURL, client.WithBearerToken(token))
//	res, err := c.Anchor(ctx, summary)
//	fmt.Println(res.State, res.ExplorerURL)
//
// Every non-2xx response with a JSON error body is returned as *APIError.
// Anchor returns both a result and an *APIError when the server reports a
// failed or cancelled anchoring, so callers can inspect the state. Queued
// and unresolved anchors are results without an error.
package client
