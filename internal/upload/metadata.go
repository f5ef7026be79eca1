package upload

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
)

// Metadata keys the upload core understands. transfer_id is required at
// creation; the rest are passed through to the file record.
const (
	MetaTransferID  = "transfer_id"
	MetaFilename    = "filename"
	MetaContentType = "content_type"
)

// ParseMetadata decodes an Upload-Metadata header: comma-separated pairs of
// "key base64value", where the value may be omitted for flag-style keys.
func ParseMetadata(header string) (map[string]string, error) {
	meta := make(map[string]string)
	if strings.TrimSpace(header) == "" {
		return meta, nil
	}

	for _, pair := range strings.Split(header, ",") {
		fields := strings.Fields(strings.TrimSpace(pair))
		if len(fields) == 0 || len(fields) > 2 {
			return nil, fmt.Errorf("malformed metadata pair: %q", pair)
		}

		key := fields[0]
		if _, dup := meta[key]; dup {
			return nil, fmt.Errorf("duplicate metadata key: %q", key)
		}

		if len(fields) == 1 {
			meta[key] = ""
			continue
		}

		value, err := base64.StdEncoding.DecodeString(fields[1])
		if err != nil {
			return nil, fmt.Errorf("metadata value for %q is not valid base64: %w", key, err)
		}
		meta[key] = string(value)
	}

	return meta, nil
}

// EncodeMetadata renders a metadata map as an Upload-Metadata header value
// with keys in stable order.
func EncodeMetadata(meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for key := range meta {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		value := meta[key]
		if value == "" {
			pairs = append(pairs, key)
			continue
		}
		pairs = append(pairs, key+" "+base64.StdEncoding.EncodeToString([]byte(value)))
	}

	return strings.Join(pairs, ",")
}
