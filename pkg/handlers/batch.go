package handlers

import (
	"context"
	"time"

	"github.com/guido-cesarano/taskworker/pkg/logger"
	"github.com/guido-cesarano/taskworker/pkg/registry"
	"github.com/guido-cesarano/taskworker/pkg/tasks"
)

// ItemFunc processes one batch item.
type ItemFunc func(ctx context.Context, item any) (any, error)

// ItemResult is a successfully processed batch item.
type ItemResult struct {
	Index     int `json:"index"`
	Original  any `json:"original"`
	Processed any `json:"processed"`
}

// ItemError is a batch item that failed.
type ItemError struct {
	Index int    `json:"index"`
	Item  any    `json:"item"`
	Error string `json:"error"`
}

// BatchReport is the value of a batch invocation. Per-item failures are
// reported here; they do not fail the invocation.
type BatchReport struct {
	Total      int          `json:"total"`
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	Results    []ItemResult `json:"results"`
	Errors     []ItemError  `json:"errors"`
	Timestamp  float64      `json:"timestamp"`
}

// Batch builds a handler that applies fn to every element of the list
// argument "items". The invocation succeeds whatever the item outcomes.
func Batch(fn ItemFunc) registry.Handler {
	return registry.Func(func(ctx context.Context, call *tasks.Call) (any, error) {
		items, err := call.List(0, "items")
		if err != nil {
			return nil, err
		}
		return RunBatch(ctx, items, fn), nil
	})
}

// RunBatch applies fn to each item in order.
func RunBatch(ctx context.Context, items []any, fn ItemFunc) BatchReport {
	logger.Log.Info().Int("items", len(items)).Msg("Processing batch")

	report := BatchReport{
		Total:   len(items),
		Results: []ItemResult{},
		Errors:  []ItemError{},
	}
	for i, item := range items {
		processed, err := fn(ctx, item)
		if err != nil {
			logger.Log.Error().Err(err).Int("index", i).Msg("Error processing batch item")
			report.Errors = append(report.Errors, ItemError{Index: i, Item: item, Error: err.Error()})
			continue
		}
		report.Results = append(report.Results, ItemResult{Index: i, Original: item, Processed: processed})
	}

	report.Successful = len(report.Results)
	report.Failed = len(report.Errors)
	report.Timestamp = float64(time.Now().UnixNano()) / 1e9
	return report
}
