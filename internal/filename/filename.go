// Package filename determines a destination filename for a downloaded
// resource from its Content-Disposition header, query parameters, URL
// path, or magic bytes, in that priority order.
package filename

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"github.com/vfaronov/httpheader"
)

// Determine extracts a filename for rawurl/resp and returns it along
// with a reader that re-includes any header bytes already sniffed from
// resp.Body, so callers can still stream the full body afterward.
func Determine(rawurl string, resp *http.Response) (string, io.Reader, error) {
	parsed, err := url.Parse(rawurl)
	if err != nil {
		return "", nil, err
	}

	var candidate string
	if _, name, err := httpheader.ContentDisposition(resp.Header); err == nil && name != "" {
		candidate = name
	}
	if candidate == "" {
		q := parsed.Query()
		if name := q.Get("filename"); name != "" {
			candidate = name
		} else if name := q.Get("file"); name != "" {
			candidate = name
		}
	}
	if candidate == "" {
		candidate = filepath.Base(parsed.Path)
		if candidate == "/" {
			candidate = "."
		}
	}

	name := sanitize(candidate)

	header := make([]byte, 512)
	n, rerr := io.ReadFull(resp.Body, header)
	if rerr != nil {
		if rerr == io.ErrUnexpectedEOF || rerr == io.EOF {
			header = header[:n]
		} else {
			return "", nil, fmt.Errorf("reading header bytes: %w", rerr)
		}
	} else {
		header = header[:n]
	}
	body := io.MultiReader(bytes.NewReader(header), resp.Body)

	if candidate == "." && len(header) >= 30 && bytes.HasPrefix(header, []byte{0x50, 0x4B, 0x03, 0x04}) {
		nameLen := int(binary.LittleEndian.Uint16(header[26:28]))
		end := 30 + nameLen
		if end <= len(header) {
			if zipName := string(header[30:end]); zipName != "" {
				name = filepath.Base(zipName)
			}
		}
	}

	if filepath.Ext(name) == "" {
		if kind, _ := filetype.Match(header); kind != filetype.Unknown && kind.Extension != "" {
			name += "." + kind.Extension
		}
	}

	if name == "" || name == "." || name == "/" {
		name = "download.bin"
	}

	return name, body, nil
}

func sanitize(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "." {
		return name
	}
	if name == "/" {
		return "_"
	}
	name = strings.TrimSpace(name)
	replacer := strings.NewReplacer(
		"/", "_", ":", "_", "*", "_", "?", "_",
		"\"", "_", "<", "_", ">", "_", "|", "_",
	)
	return replacer.Replace(name)
}
