package orchestrator

import (
	"encoding/json"

	"github.com/quorumai/mesh/executor"
)

// cachedResponse is the subset of Response worth round-tripping through
// the cache. Result.Results carries typed errors that don't survive a
// JSON round-trip faithfully, so only the aggregate counts are cached;
// a cache hit reports a summary, not the original per-operation detail.
type cachedResponse struct {
	RequestID       string `json:"request_id"`
	Model           string `json:"model"`
	Total           int    `json:"total"`
	Successful      int    `json:"successful"`
	Failed          int    `json:"failed"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}

func encodeResponse(r *Response) ([]byte, error) {
	cr := cachedResponse{
		RequestID:       r.RequestID,
		Model:           r.Model,
		ExecutionTimeMs: r.ExecutionTime.Milliseconds(),
	}
	if r.Result != nil {
		cr.Total = r.Result.Total
		cr.Successful = r.Result.Successful
		cr.Failed = r.Result.Failed
	}
	return json.Marshal(cr)
}

func decodeResponse(raw []byte) (*Response, error) {
	var cr cachedResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, err
	}
	return &Response{
		RequestID: cr.RequestID,
		Model:     cr.Model,
		Result: &executor.BatchResult{
			Total:      cr.Total,
			Successful: cr.Successful,
			Failed:     cr.Failed,
		},
	}, nil
}
