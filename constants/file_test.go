package constants

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeExt(t *testing.T) {
	require.Equal(t, "jpg", NormalizeExt(".JPG"))
	require.Equal(t, "png", NormalizeExt("png"))
	require.Equal(t, "", NormalizeExt("."))
}

func TestCategoryForContentType(t *testing.T) {
	require.Equal(t, CategoryImage, CategoryForContentType("image/png"))
	require.Equal(t, CategoryImage, CategoryForContentType("image/webp"))
	require.Equal(t, CategoryDocument, CategoryForContentType("application/pdf"))
	require.Equal(t, CategoryDocument, CategoryForContentType("text/plain"))
	require.Equal(t, CategoryOther, CategoryForContentType("application/zip"))
	require.Equal(t, CategoryOther, CategoryForContentType(""))
}

func TestOCRable(t *testing.T) {
	require.True(t, OCRable("image/png"))
	require.True(t, OCRable("image/tiff"))
	require.True(t, OCRable("application/pdf"))
	require.False(t, OCRable("text/plain"))
	require.False(t, OCRable("application/zip"))
}
