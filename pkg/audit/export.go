package audit

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Format is an export encoding.
type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

var ErrUnknownFormat = errors.New("audit: unknown export format")

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	switch f {
	case FormatJSONL:
		return "application/x-ndjson"
	case FormatCSV:
		return "text/csv"
	default:
		return "application/json"
	}
}

// ParseFormat maps a query value onto a Format. Empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatJSONL, FormatCSV:
		return Format(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Export writes events to w in format.
func Export(w io.Writer, events []*Event, format Format) error {
	switch format {
	case FormatJSON:
		return json.NewEncoder(w).Encode(eventList{Events: events, Count: len(events)})
	case FormatJSONL:
		enc := json.NewEncoder(w)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	case FormatCSV:
		return exportCSV(w, events)
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

type eventList struct {
	Events []*Event `json:"events"`
	Count  int      `json:"count"`
}

var csvHeader = []string{
	"ID", "Timestamp", "RequestID", "Username", "Action", "Route",
	"Status", "HTTPStatus", "Message", "IPAddress", "UserAgent",
}

func exportCSV(w io.Writer, events []*Event) (retErr error) {
	cw := csv.NewWriter(w)
	defer func() {
		cw.Flush()
		if err := cw.Error(); err != nil && retErr == nil {
			retErr = fmt.Errorf("CSV writer flush error: %w", err)
		}
	}()

	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, e := range events {
		httpStatus := ""
		if e.HTTPStatus != 0 {
			httpStatus = strconv.Itoa(e.HTTPStatus)
		}
		record := []string{
			e.ID,
			e.Timestamp.Format(time.RFC3339),
			e.RequestID,
			e.Username,
			string(e.Action),
			e.Route,
			string(e.Status),
			httpStatus,
			e.Message,
			e.IPAddress,
			e.UserAgent,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}
	return nil
}
