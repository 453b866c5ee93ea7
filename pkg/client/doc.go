// Package client is the Go SDK for the fleet evidence service.
//
// # Sealing and verifying evidence
//
//	c, err := client.New("http://localhost:8080", client.WithActor("claims-team"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	rec, err := c.Seal(ctx, evidence.SealRequest{
//	    TenantID:    "acme-logistics",
//	    EventType:   "harsh_braking",
//	    Description: "Deceleration of 0.8 g at 64 km/h",
//	    VehicleID:   "truck-7",
//	    Data:        json.RawMessage(`{"g_force":0.82}`),
//	})
//	res, err := c.Verify(ctx, evidence.VerifyRequest{ID: rec.ID, VerifyChain: true})
//
// Seals that collide on the chain index are answered with 503. WithRetries
// makes the client retry them:
//
//	c, _ := client.New(url, client.WithRetries(3, 200*time.Millisecond))
//
// # Exports
//
// Export returns the bundle exactly as served, so it can be archived and
// verified later without a server:
//
//	raw, _ := c.Export(ctx, "acme-logistics", 0, 0)
//	bundle, _ := evidence.ParseBundle(raw)
//	report := evidence.VerifyBundle(bundle)
//
// # GNSS
//
// Detect scores a single sample against a caller-supplied previous state.
// Ingest hands the sample to the server's monitor, which keeps per-asset
// state and seals anomalies as evidence.
//
// Errors from the server are *APIError values; errors.Is(err, ErrNotFound)
// matches any 404.
package client
