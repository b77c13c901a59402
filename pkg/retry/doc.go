// Package retry provides exponential backoff for operations that fail
// transiently, such as publishing link events to a message broker.
//
// Do stops early when fn returns an error wrapped with NonRetryable or an
// error the errors package classifies as invalid or fatal:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return client.Publish(ctx, subject, data)
//	})
package retry
