package matcher

import (
	"encoding/base64"
	"strings"

	dErrors "biovote/pkg/domain-errors"
)

// DecodeSample accepts raw base64 (standard or URL alphabet, padded or not)
// or a data URI such as "data:image/png;base64,....".
func DecodeSample(encoded string) ([]byte, error) {
	s := strings.TrimSpace(encoded)
	if strings.HasPrefix(s, "data:") {
		idx := strings.Index(s, ",")
		if idx < 0 || !strings.HasSuffix(s[:idx], ";base64") {
			return nil, dErrors.New(dErrors.CodeMalformedInput, "unsupported data URI")
		}
		s = s[idx+1:]
	}
	if s == "" {
		return nil, dErrors.New(dErrors.CodeMalformedInput, "empty sample")
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, dErrors.New(dErrors.CodeMalformedInput, "sample is not valid base64")
}
