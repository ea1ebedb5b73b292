package ioutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// ReadLimited reads up to limit bytes from r for use in error messages and
// logs. A read failure is described in the returned string.
func ReadLimited(r io.Reader, limit int64) string {
	body, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return fmt.Sprintf("<unreadable: %v>", err)
	}
	return string(body)
}

// DecodeJSONLimited reads at most limit bytes from r and decodes them into
// v. Bodies larger than limit are rejected rather than truncated.
func DecodeJSONLimited(r io.Reader, limit int64, v any) error {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	if int64(len(body)) > limit {
		return fmt.Errorf("body exceeds %d bytes", limit)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding body: %w", err)
	}
	return nil
}
