package downloads

import (
	"mime"
	"net/url"
	"path"
	"strings"
)

const defaultPageExt = ".jpg"

var extAliases = map[string]string{
	".jpg":  ".jpg",
	".jpeg": ".jpg",
	".png":  ".png",
	".webp": ".webp",
	".gif":  ".gif",
	".avif": ".avif",
}

var contentTypeExts = map[string]string{
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"image/avif": ".avif",
}

// ExtFromURL guesses a page extension from the URL path, ignoring query
// strings. Unknown extensions map to .jpg.
func ExtFromURL(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}
	if ext, ok := extAliases[strings.ToLower(path.Ext(p))]; ok {
		return ext
	}
	return defaultPageExt
}

// ExtFromContentType maps an image content type to an extension. ok is false
// for types that imply nothing.
func ExtFromContentType(contentType string) (string, bool) {
	if contentType == "" {
		return "", false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	ext, ok := contentTypeExts[strings.ToLower(mediaType)]
	return ext, ok
}
