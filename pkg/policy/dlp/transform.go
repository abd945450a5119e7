package dlp

import (
	"context"
	"strconv"
	"unicode/utf8"

	"github.com/polisai/vexmesh/pkg/domain"
)

// Scrub returns a propagation transformation that scans the payload and every
// metadata value. Non-UTF-8 payloads are skipped. The number of findings is
// recorded under "dlp_findings" when any rule matched.
//
// The "skip_payload" param set to "true" limits the scan to metadata.
func Scrub(s *Scanner) func(context.Context, *domain.SemanticEvent, map[string]string) error {
	return func(ctx context.Context, ev *domain.SemanticEvent, params map[string]string) error {
		total := 0
		if params["skip_payload"] != "true" && len(ev.Payload) > 0 && utf8.Valid(ev.Payload) {
			rep, err := s.Scan(ctx, string(ev.Payload), ev.ID)
			if err != nil {
				return err
			}
			if rep.Changed() {
				ev.Payload = []byte(rep.Output)
			}
			total += len(rep.Findings)
		}
		for k, v := range ev.Metadata {
			rep, err := s.Scan(ctx, v, ev.ID)
			if err != nil {
				return err
			}
			if rep.Changed() {
				ev.Metadata[k] = rep.Output
			}
			total += len(rep.Findings)
		}
		if total > 0 {
			if ev.Metadata == nil {
				ev.Metadata = make(map[string]string, 1)
			}
			ev.Metadata["dlp_findings"] = strconv.Itoa(total)
		}
		return nil
	}
}
