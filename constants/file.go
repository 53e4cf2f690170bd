package constants

import "strings"

// FileCategory groups content types by how the pipeline treats them.
type FileCategory string

const (
	CategoryImage    FileCategory = "IMAGE"
	CategoryDocument FileCategory = "DOCUMENT"
	CategoryOther    FileCategory = "OTHER"
)

// AllowedExtensions holds the default allowed file extensions for ingestion.
// Tenants narrow this set via settings; they cannot widen it.
var AllowedExtensions = map[string]struct{}{
	"pdf":  {},
	"jpg":  {},
	"jpeg": {},
	"png":  {},
	"webp": {},
	"tif":  {},
	"tiff": {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// CategoryForContentType maps a MIME content type to its pipeline category.
func CategoryForContentType(ct string) FileCategory {
	switch {
	case strings.HasPrefix(ct, "image/"):
		return CategoryImage
	case ct == "application/pdf", strings.HasPrefix(ct, "text/"):
		return CategoryDocument
	default:
		return CategoryOther
	}
}

// OCRable reports whether the OCR stage should run for the content type.
func OCRable(ct string) bool {
	switch CategoryForContentType(ct) {
	case CategoryImage, CategoryDocument:
		return ct != "text/plain"
	default:
		return false
	}
}
