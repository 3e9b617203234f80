package ingest

import (
	"context"
	"strings"
)

// utf8BOM is the byte order mark some editors prepend to UTF-8 files.
const utf8BOM = "\xef\xbb\xbf"

// TextParser handles plain text files.
type TextParser struct{}

// Parse returns the normalized file text. Plain text carries no
// format-level metadata.
func (TextParser) Parse(_ context.Context, _ string, data []byte) (*Parsed, error) {
	return &Parsed{
		Text:     normalizeText(data),
		Metadata: map[string]string{"file_type": string(TypeText)},
	}, nil
}

// normalizeText decodes raw bytes into clean UTF-8 text: the BOM is
// stripped, CRLF and bare CR line endings become LF, and invalid byte
// sequences are replaced with U+FFFD rather than failing the file.
func normalizeText(data []byte) string {
	text := strings.TrimPrefix(string(data), utf8BOM)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.ToValidUTF8(text, "�")
}
