package ingest

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	ragerrors "github.com/Aman-CERP/ragserve/internal/errors"
)

// pdfMagic is the header every conforming PDF starts with.
var pdfMagic = []byte("%PDF-")

// sniffLen is how many leading bytes the binary check inspects.
const sniffLen = 512

// contentKind is the coarse class the leading bytes put a file in.
type contentKind int

const (
	kindText contentKind = iota
	kindPDF
	kindBinary
)

// sniffContent classifies raw bytes by content, not by name.
func sniffContent(data []byte) contentKind {
	if bytes.HasPrefix(data, pdfMagic) {
		return kindPDF
	}
	n := len(data)
	if n > sniffLen {
		n = sniffLen
	}
	if bytes.Contains(data[:n], []byte{0}) {
		return kindBinary
	}
	return kindText
}

// typeForExtension maps a lowercased extension (without the dot) to its
// parser family.
func typeForExtension(ext string) (FileType, bool) {
	switch ext {
	case "md", "markdown":
		return TypeMarkdown, true
	case "txt", "text":
		return TypeText, true
	case "pdf":
		return TypePDF, true
	}
	return "", false
}

// fileExtension returns the lowercased extension of a name without the
// leading dot.
func fileExtension(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}

// DetectFileType resolves the parser family for a named blob. The
// extension declares the format and the leading bytes must agree: a PDF
// needs its header, and text formats must not sniff as PDF or binary.
func DetectFileType(name string, data []byte) (FileType, error) {
	ext := fileExtension(name)
	ft, ok := typeForExtension(ext)
	if !ok {
		return "", ragerrors.New(ragerrors.ErrCodeUnsupportedFileType,
			fmt.Sprintf("unsupported file type %q for %s", ext, name), nil).
			WithSuggestion("supported types: pdf, md, markdown, txt, text")
	}

	kind := sniffContent(data)
	switch ft {
	case TypePDF:
		if kind != kindPDF {
			return "", ragerrors.New(ragerrors.ErrCodeUnsupportedFileType,
				fmt.Sprintf("%s is named .pdf but has no PDF header", name), nil)
		}
	default:
		if kind == kindPDF {
			return "", ragerrors.New(ragerrors.ErrCodeUnsupportedFileType,
				fmt.Sprintf("%s is named .%s but contains PDF data", name, ext), nil).
				WithSuggestion("rename the file with a .pdf extension")
		}
		if kind == kindBinary {
			return "", ragerrors.New(ragerrors.ErrCodeUnsupportedFileType,
				fmt.Sprintf("%s is named .%s but contains binary data", name, ext), nil)
		}
	}

	return ft, nil
}
