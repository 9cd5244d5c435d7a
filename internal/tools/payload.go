package tools

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/adsdev/ads/internal/common/errs"
)

// decodeJSON unmarshals payload into v, running a repair pass first when
// strict parsing fails. Models reliably mangle quoting and trailing
// commas, so the repair pass recovers a large share of blocks.
func decodeJSON(payload string, v any) error {
	payload = strings.TrimSpace(payload)
	if err := json.Unmarshal([]byte(payload), v); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(payload)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "payload is not valid JSON", err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return errs.Wrap(errs.KindValidation, "payload is not valid JSON after repair", err)
	}
	return nil
}

// looksLikeJSON reports whether the payload is worth a JSON parse at all.
// Tools with a plain-string form use it to pick the decode path.
func looksLikeJSON(payload string) bool {
	trimmed := strings.TrimSpace(payload)
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "\"")
}
