// Package notify abstracts the external notification dispatcher. The identity
// core only asks for "send code X to channel Y"; delivery, templating, and
// retries belong to the out-of-scope messaging service.
package notify

import (
	"context"

	"github.com/madfam-io/plinto-sub006/internal/obs"
)

// Dispatcher sends one-time codes to a channel address (phone number, email).
type Dispatcher interface {
	SendCode(ctx context.Context, channel, address, code string) error
}

// LogDispatcher writes codes to the service log instead of sending them.
// Dev/test stand-in for the real messaging service.
type LogDispatcher struct{}

func (LogDispatcher) SendCode(ctx context.Context, channel, address, code string) error {
	obs.LogEvent("notify.code", map[string]any{
		"channel": channel,
		"address": address,
	})
	return nil
}

// Recorder captures dispatched codes for tests.
type Recorder struct {
	Codes []string
}

func (r *Recorder) SendCode(ctx context.Context, channel, address, code string) error {
	r.Codes = append(r.Codes, code)
	return nil
}
