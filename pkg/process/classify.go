package process

import (
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/Sriram-PR/site-scraper/pkg/models"
)

var extensionCategories = map[string]models.Category{
	".jpg": models.CategoryImage, ".jpeg": models.CategoryImage, ".png": models.CategoryImage,
	".gif": models.CategoryImage, ".webp": models.CategoryImage, ".svg": models.CategoryImage,
	".bmp": models.CategoryImage,

	".pdf": models.CategoryPDF,

	".mp4": models.CategoryVideo, ".avi": models.CategoryVideo, ".mov": models.CategoryVideo,
	".wmv": models.CategoryVideo, ".flv": models.CategoryVideo, ".webm": models.CategoryVideo,

	".mp3": models.CategoryAudio, ".wav": models.CategoryAudio, ".m4a": models.CategoryAudio,
	".flac": models.CategoryAudio, ".ogg": models.CategoryAudio,

	".doc": models.CategoryDocument, ".docx": models.CategoryDocument, ".txt": models.CategoryDocument,
	".rtf": models.CategoryDocument, ".odt": models.CategoryDocument,
}

var documentMimeTypes = map[string]bool{
	"application/msword":                      true,
	"application/rtf":                         true,
	"text/rtf":                                true,
	"application/vnd.oasis.opendocument.text": true,
	"text/plain":                              true,

	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
}

// Classify maps a resource URL and optional MIME type to a coarse category.
// The MIME type wins when it is recognised; otherwise the URL path extension decides.
func Classify(rawURL, mimeType string) models.Category {
	if c := classifyMime(mimeType); c != models.CategoryOther {
		return c
	}
	return classifyExtension(rawURL)
}

func classifyMime(mimeType string) models.Category {
	if mimeType == "" {
		return models.CategoryOther
	}
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0]))
	}
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return models.CategoryImage
	case mediaType == "application/pdf":
		return models.CategoryPDF
	case strings.HasPrefix(mediaType, "video/"):
		return models.CategoryVideo
	case strings.HasPrefix(mediaType, "audio/"):
		return models.CategoryAudio
	case documentMimeTypes[mediaType]:
		return models.CategoryDocument
	}
	return models.CategoryOther
}

func classifyExtension(rawURL string) models.Category {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	if c, ok := extensionCategories[strings.ToLower(path.Ext(p))]; ok {
		return c
	}
	return models.CategoryOther
}
