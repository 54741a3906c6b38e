// Package eventbridge implements sink.EventSink on AWS EventBridge.
package eventbridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/idlogsync/pkg/sink"
)

// MaxEntries is the PutEvents entry limit.
const MaxEntries = 10

// MaxEntryBytes is the PutEvents size limit for a single entry.
const MaxEntryBytes = 256 * 1024

// ErrorCodeEntryTooLarge marks entries rejected locally for size.
const ErrorCodeEntryTooLarge = "EntryTooLarge"

// API is the subset of the EventBridge client used by the sink.
type API interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// Config configures the EventBridge sink.
type Config struct {
	// BusName is the target event bus name or ARN. Empty uses "default".
	BusName string

	Region   string
	Endpoint string
	Profile  string
}

// Sink sends events to one event bus.
type Sink struct {
	client  API
	busName string
}

var _ sink.EventSink = (*Sink)(nil)

// New creates a sink from the AWS SDK default chain.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := eventbridge.NewFromConfig(awsCfg, func(o *eventbridge.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg.BusName), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client API, busName string) *Sink {
	if busName == "" {
		busName = "default"
	}
	return &Sink{client: client, busName: busName}
}

// MaxBatchSize implements sink.EventSink.
func (s *Sink) MaxBatchSize() int {
	return MaxEntries
}

// PutEvents implements sink.EventSink. Entries over MaxEntryBytes are
// rejected locally as permanent failures; the rest are sent in one call.
func (s *Sink) PutEvents(ctx context.Context, events []sink.Event) ([]sink.EntryResult, error) {
	if len(events) > MaxEntries {
		return nil, fmt.Errorf("eventbridge: %d entries exceeds limit %d", len(events), MaxEntries)
	}

	results := make([]sink.EntryResult, len(events))
	entries := make([]types.PutEventsRequestEntry, 0, len(events))
	sent := make([]int, 0, len(events))

	for i, ev := range events {
		if size := entrySize(ev); size > MaxEntryBytes {
			results[i] = sink.EntryResult{
				ErrorCode:    ErrorCodeEntryTooLarge,
				ErrorMessage: fmt.Sprintf("%s is %d bytes", ev.ID, size),
				Permanent:    true,
			}
			continue
		}
		entry := types.PutEventsRequestEntry{
			EventBusName: aws.String(s.busName),
			Source:       aws.String(ev.Source),
			DetailType:   aws.String(ev.DetailType),
			Detail:       aws.String(string(ev.Detail)),
		}
		if !ev.Time.IsZero() {
			entry.Time = aws.Time(ev.Time)
		}
		entries = append(entries, entry)
		sent = append(sent, i)
	}
	if len(entries) == 0 {
		return results, nil
	}

	out, err := s.client.PutEvents(ctx, &eventbridge.PutEventsInput{Entries: entries})
	if err != nil {
		return nil, describeError(err)
	}
	if len(out.Entries) != len(entries) {
		return nil, fmt.Errorf("eventbridge: %d result entries for %d events", len(out.Entries), len(entries))
	}

	for j, e := range out.Entries {
		results[sent[j]] = sink.EntryResult{
			EventID:      aws.ToString(e.EventId),
			ErrorCode:    aws.ToString(e.ErrorCode),
			ErrorMessage: aws.ToString(e.ErrorMessage),
		}
	}
	return results, nil
}

// entrySize approximates the EventBridge entry size calculation.
func entrySize(ev sink.Event) int {
	size := len(ev.Source) + len(ev.DetailType) + len(ev.Detail)
	if !ev.Time.IsZero() {
		size += 14
	}
	return size
}

func describeError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("eventbridge PutEvents: %s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return fmt.Errorf("eventbridge PutEvents: %w", err)
}
