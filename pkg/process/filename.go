package process

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/Sriram-PR/site-scraper/pkg/models"
	"github.com/Sriram-PR/site-scraper/pkg/utils"
)

const fallbackExtension = ".bin"

var safeExtension = regexp.MustCompile(`^\.[a-z0-9]{1,10}$`)

// preferredExtensions overrides the arbitrary first pick of mime.ExtensionsByType
var preferredExtensions = map[string]string{
	"image/jpeg":         ".jpg",
	"image/png":          ".png",
	"image/gif":          ".gif",
	"image/webp":         ".webp",
	"image/svg+xml":      ".svg",
	"application/pdf":    ".pdf",
	"video/mp4":          ".mp4",
	"audio/mpeg":         ".mp3",
	"text/plain":         ".txt",
	"application/msword": ".doc",

	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
}

// GenerateFilename builds the on-disk name for a download: "<base>_<hash8><ext>".
// The base comes from the URL path (synthesized from the category when empty),
// the extension from the URL, else the MIME type, else ".bin". The result is
// always a single safe path component.
func GenerateFilename(u *url.URL, mimeType string, category models.Category) string {
	rawExt := strings.ToLower(path.Ext(u.Path))
	ext := rawExt
	if !safeExtension.MatchString(ext) {
		ext = extensionForMime(mimeType)
	}

	base := strings.TrimSuffix(path.Base(u.Path), rawExt)
	if base == "" || base == "/" || base == "." {
		base = ""
	} else {
		base = utils.SanitizeFilename(base)
	}
	if base == "" || base == "untitled" {
		prefix := string(category)
		if category == "" || category == models.CategoryOther {
			prefix = "file"
		}
		base = prefix + "_" + utils.ShortHash(u.String(), 12)
	}
	// Leave room for the hash suffix and extension within the filename limit
	if len(base) > 80 {
		base = strings.Trim(base[:80], "_. ")
	}

	return fmt.Sprintf("%s_%s%s", base, utils.ShortHash(u.String(), 8), ext)
}

func extensionForMime(mimeType string) string {
	if mimeType == "" {
		return fallbackExtension
	}
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return fallbackExtension
	}
	if ext, ok := preferredExtensions[mediaType]; ok {
		return ext
	}
	exts, err := mime.ExtensionsByType(mediaType)
	if err != nil || len(exts) == 0 || !safeExtension.MatchString(exts[0]) {
		return fallbackExtension
	}
	return exts[0]
}
