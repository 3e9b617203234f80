// Package client provides a typed Go client for the ragserve HTTP API.
//
// All methods take a context for cancellation and map the service's
// structured error responses back to [*APIError], so callers can branch
// on error codes without parsing response bodies themselves.
//
// # Usage
//
// Create a client and ask a question:
//
//	c, err := client.New(client.Config{
//	    BaseURL: "http://localhost:8080",
//	    APIKey:  os.Getenv("RAGSERVE_API_KEY"),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	res, err := c.Query(ctx, client.QueryRequest{
//	    Question:   "What is the rate limit?",
//	    Collection: "docs",
//	})
//
// Stream an answer as it is generated:
//
//	res, err := c.QueryStream(ctx, req, func(delta string) {
//	    fmt.Print(delta)
//	})
//
// Upload documents:
//
//	f, _ := os.Open("guide.md")
//	defer f.Close()
//	res, err := c.Ingest(ctx, client.IngestRequest{
//	    Collection: "docs",
//	    Uploads:    []client.Upload{{Name: "guide.md", Reader: f}},
//	})
//
// # Error Handling
//
// Responses with a non-2xx status become an [*APIError] carrying the
// service error code, human-readable detail, and retry hint:
//
//	if client.IsRateLimited(err) {
//	    time.Sleep(client.RetryAfter(err))
//	}
//
// # Thread Safety
//
// A Client is safe for concurrent use by multiple goroutines.
package client
