package transfer

import (
	"mime"
	"path"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen is how much of the first chunk is used for content sniffing.
const sniffLen = 3072

// contentType guesses the MIME type from the key's extension and falls back
// to sniffing the first bytes of the object.
func contentType(key string, head []byte) string {
	if ext := path.Ext(key); ext != "" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
	}
	if len(head) == 0 {
		return ""
	}
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	return mimetype.Detect(head).String()
}
