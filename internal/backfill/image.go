package backfill

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// ImageURLFields are the contents keys checked for an image URL, in priority order.
var ImageURLFields = []string{
	"image",
	"imageUrl",
	"image_url",
	"avatar",
	"profile_image_url",
	"picture",
	"logo",
}

const (
	thumbnailSuffix = "_normal."
	upgradedSuffix  = "_400x400."
)

// ImageURL returns the first non-blank string found under ImageURLFields.
func ImageURL(doc Document) (string, error) {
	obj, ok := doc.Object()
	if !ok {
		return "", ErrNoImageURL
	}
	for _, field := range ImageURLFields {
		if s, isString := obj[field].(string); isString && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s), nil
		}
	}
	return "", ErrNoImageURL
}

// UpgradeThumbnail rewrites a CDN "_normal." thumbnail URL to its 400x400
// variant. The second return is false when the URL has no thumbnail suffix.
func UpgradeThumbnail(url string) (string, bool) {
	if !strings.Contains(url, thumbnailSuffix) {
		return url, false
	}
	return strings.Replace(url, thumbnailSuffix, upgradedSuffix, 1), true
}

// ImageFormat is a sniffed image type.
type ImageFormat struct {
	Extension   string
	ContentType string
}

var (
	formatJPEG = ImageFormat{Extension: "jpg", ContentType: "image/jpeg"}
	formatPNG  = ImageFormat{Extension: "png", ContentType: "image/png"}
	formatGIF  = ImageFormat{Extension: "gif", ContentType: "image/gif"}
	formatBMP  = ImageFormat{Extension: "bmp", ContentType: "image/bmp"}
	formatWEBP = ImageFormat{Extension: "webp", ContentType: "image/webp"}
)

var (
	magicJPEG  = []byte{0xFF, 0xD8, 0xFF}
	magicPNG   = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	magicGIF87 = []byte("GIF87a")
	magicGIF89 = []byte("GIF89a")
	magicBMP   = []byte("BM")
	magicRIFF  = []byte("RIFF")
	magicWEBP  = []byte("WEBP")
)

// SniffImage identifies the image format from its leading bytes, ignoring
// whatever extension or content type the source claimed.
func SniffImage(data []byte) (ImageFormat, error) {
	switch {
	case bytes.HasPrefix(data, magicJPEG):
		return formatJPEG, nil
	case bytes.HasPrefix(data, magicPNG):
		return formatPNG, nil
	case bytes.HasPrefix(data, magicGIF87), bytes.HasPrefix(data, magicGIF89):
		return formatGIF, nil
	case len(data) >= 12 && bytes.HasPrefix(data, magicRIFF) && bytes.Equal(data[8:12], magicWEBP):
		return formatWEBP, nil
	case bytes.HasPrefix(data, magicBMP):
		return formatBMP, nil
	default:
		return ImageFormat{}, ErrUnknownImageFormat
	}
}

// ImageFilename names the stored file for an owner.
func ImageFilename(ownerID int64, format ImageFormat) string {
	return fmt.Sprintf("%s.%s", strconv.FormatInt(ownerID, 10), format.Extension)
}

// ImageDigest is the lowercase hex SHA-256 of the stored image bytes, kept in
// the image_hash column.
func ImageDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
