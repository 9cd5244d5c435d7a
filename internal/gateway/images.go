package gateway

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/pkg/wire"
)

// maxImageBytes caps one decoded attachment at 25 MiB.
const maxImageBytes = 25 << 20

// allowedImageExt maps the accepted MIME subtypes to file extensions.
// Clients send either the bare subtype or the full image/<subtype> form.
var allowedImageExt = map[string]string{
	"jpeg":    ".jpg",
	"png":     ".png",
	"gif":     ".gif",
	"webp":    ".webp",
	"bmp":     ".bmp",
	"svg+xml": ".svg",
}

// saveImages validates and persists inline attachments under the
// workspace temp directory, returning one path per image. On any failure
// files already written are removed.
func (s *Server) saveImages(images []wire.ImageAttachment) ([]string, error) {
	dir := s.ws.TempImagesDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindStorage, "create image temp dir", err)
	}

	paths := make([]string, 0, len(images))
	fail := func(err error) ([]string, error) {
		for _, p := range paths {
			_ = os.Remove(p)
		}
		return nil, err
	}

	for _, img := range images {
		subtype := strings.ToLower(strings.TrimPrefix(img.Mime, "image/"))
		ext, ok := allowedImageExt[subtype]
		if !ok {
			return fail(errs.Validation("unsupported image type: " + img.Mime))
		}
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			return fail(errs.Validation("image data is not valid base64"))
		}
		if len(data) > maxImageBytes {
			return fail(errs.Newf(errs.KindValidation, "image %s exceeds %d bytes (%d)", img.Name, maxImageBytes, len(data)))
		}

		path := filepath.Join(dir, uuid.New().String()+ext)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fail(errs.Wrap(errs.KindStorage, "write image attachment", err))
		}
		paths = append(paths, path)
	}
	return paths, nil
}
