package query

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	dErrors "knowton/pkg/domain-errors"
	audit "knowton/pkg/platform/audit"
)

// CSVColumns is the fixed column order of CSV exports.
var CSVColumns = []string{
	"id",
	"timestamp",
	"eventType",
	"severity",
	"status",
	"userId",
	"walletAddress",
	"ipAddress",
	"userAgent",
	"resourceType",
	"resourceId",
	"action",
	"description",
	"requestId",
	"sessionId",
	"transactionHash",
	"blockNumber",
	"gasUsed",
	"dataClassification",
	"retentionPeriod",
	"metadata",
	"hash",
	"previousHash",
}

// Export returns every event matching f encoded as format. Exports larger
// than the configured row cap fail instead of being truncated.
func (e *Engine) Export(ctx context.Context, f audit.Filter, format audit.ExportFormat) ([]byte, error) {
	if format != audit.FormatCSV && format != audit.FormatJSON {
		return nil, dErrors.Newf(dErrors.CodeValidation, "unsupported export format %q", format)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}

	var (
		events   []audit.Event
		overflow bool
	)
	err := e.scan(ctx, f, false, func(ev audit.Event) bool {
		if len(events) == e.maxExportRows {
			overflow = true
			return false
		}
		events = append(events, ev)
		return true
	})
	if err != nil {
		return nil, err
	}
	if overflow {
		return nil, dErrors.Newf(dErrors.CodeExportLimitExceeded,
			"export exceeds %d rows, narrow the filter", e.maxExportRows)
	}

	if format == audit.FormatJSON {
		return encodeJSON(events)
	}
	return encodeCSV(events)
}

func encodeJSON(events []audit.Event) ([]byte, error) {
	if events == nil {
		events = []audit.Event{}
	}
	data, err := json.Marshal(events)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode json export")
	}
	return data, nil
}

func encodeCSV(events []audit.Event) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(CSVColumns); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to write csv header")
	}
	for _, ev := range events {
		row, err := csvRow(ev)
		if err != nil {
			return nil, err
		}
		if err := w.Write(row); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to write csv row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to flush csv export")
	}
	return buf.Bytes(), nil
}

func csvRow(ev audit.Event) ([]string, error) {
	metadata := ""
	if len(ev.Metadata) > 0 {
		raw, err := json.Marshal(ev.Metadata)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal,
				fmt.Sprintf("failed to encode metadata of event %s", ev.ID))
		}
		metadata = string(raw)
	}
	return []string{
		ev.ID,
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		string(ev.EventType),
		string(ev.Severity),
		string(ev.Status),
		ev.Actor.UserID,
		ev.Actor.WalletAddress,
		ev.Actor.IPAddress,
		ev.Actor.UserAgent,
		ev.Resource.Type,
		ev.Resource.ID,
		ev.Action,
		ev.Description,
		ev.RequestID,
		ev.SessionID,
		ev.Chain.TransactionHash,
		optionalUint(ev.Chain.BlockNumber),
		optionalUint(ev.Chain.GasUsed),
		ev.DataClassification,
		strconv.Itoa(ev.RetentionPeriod),
		metadata,
		ev.Hash,
		ev.PreviousHash,
	}, nil
}

func optionalUint(v *uint64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatUint(*v, 10)
}
