package ingest

import (
	"github.com/hyperlicked/perpcore/pkg/apperr"
)

// extractLogIndex reads a log index out of a decoded event's fields,
// handling the two names different transports expose it under
// (`logIndex` on some websocket subscriptions, `index` on others).
// Events missing a valid log index are rejected rather than defaulted to
// 0 — defaulting silently collided distinct logs onto the same
// (tx_hash, 0) dedup key in the historical incident this guards against.
func extractLogIndex(fields map[string]interface{}) (uint64, error) {
	if v, ok := fields["logIndex"]; ok {
		return toUint64(v)
	}
	if v, ok := fields["index"]; ok {
		return toUint64(v)
	}
	return 0, apperr.New(apperr.KindValidation, apperr.CodeMissingLogIndex, "event missing logIndex/index field")
}

func toUint64(v interface{}) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case int:
		if n < 0 {
			return 0, apperr.New(apperr.KindValidation, apperr.CodeMissingLogIndex, "negative log index")
		}
		return uint64(n), nil
	case int64:
		if n < 0 {
			return 0, apperr.New(apperr.KindValidation, apperr.CodeMissingLogIndex, "negative log index")
		}
		return uint64(n), nil
	case float64:
		if n < 0 {
			return 0, apperr.New(apperr.KindValidation, apperr.CodeMissingLogIndex, "negative log index")
		}
		return uint64(n), nil
	default:
		return 0, apperr.New(apperr.KindValidation, apperr.CodeMissingLogIndex, "log index field has unsupported type")
	}
}
