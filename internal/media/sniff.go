package media

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const pdfType = "application/pdf"

// DetectContentType sniffs the MIME type of data.
func DetectContentType(data []byte) string {
	return mimetype.Detect(data).String()
}

// IsPDF reports whether data is a PDF by content.
func IsPDF(data []byte) bool {
	return mimetype.Detect(data).Is(pdfType)
}

// IsPDFType reports whether a declared content type names PDF.
func IsPDFType(contentType string) bool {
	return strings.EqualFold(baseType(contentType), pdfType)
}

// IsGenericType reports whether a declared type says nothing useful.
func IsGenericType(contentType string) bool {
	switch strings.ToLower(baseType(contentType)) {
	case "", "application/octet-stream", "binary/octet-stream":
		return true
	}
	return false
}

// Extension returns a file extension (with dot) for data, or fallback.
func Extension(data []byte, fallback string) string {
	if ext := mimetype.Detect(data).Extension(); ext != "" {
		return ext
	}
	return fallback
}

func baseType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.TrimSpace(contentType)
}
