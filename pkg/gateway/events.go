package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OpenEvents opens the run's live event stream, replaying events with
// seq > afterSeq first. The returned body stays open until the server
// closes it or ctx is canceled; it is the byte source behind
// stream.EventSource.
func (c *Client) OpenEvents(ctx context.Context, runID string, afterSeq int64) (io.ReadCloser, error) {
	if runID == "" {
		return nil, ErrEmptyRunID
	}

	_, span := c.startSpan(ctx, "gateway.events.open", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.Int64("run.after_seq", afterSeq),
	))
	defer span.End()

	endpoint := c.endpoint("/v1/runs/" + url.PathEscape(runID) + "/events")
	query := endpoint.Query()
	query.Set("after_seq", strconv.FormatInt(afterSeq, 10))
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.applyHeaders(req.Header)
	c.authorize(ctx, req.Header)

	response, err := c.stream.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream open failed")
		return nil, fmt.Errorf("opening event stream: %w", err)
	}

	if response.StatusCode != http.StatusOK {
		defer response.Body.Close()
		err := apiError(response)
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream open rejected")
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return response.Body, nil
}
