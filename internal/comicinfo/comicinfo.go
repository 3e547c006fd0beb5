// Package comicinfo reads the embedded ComicInfo.xml descriptor from comic
// archives. Absence of a descriptor is not an error; malformed content is a
// recoverable parse failure.
package comicinfo

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"comic-index/internal/comictypes"
	"comic-index/internal/database"
	"comic-index/internal/filesystem"
)

// descriptorMaxBytes bounds how much descriptor XML is read into memory.
// Real descriptors are a few KB; anything near the cap is hostile or broken.
const descriptorMaxBytes = 1 << 20

// ErrMalformed marks a descriptor that exists but cannot be parsed.
var ErrMalformed = errors.New("comicinfo: malformed descriptor")

// intFields are descriptor elements parsed as integers.
var intFields = map[string]bool{
	"Count":     true,
	"Volume":    true,
	"Year":      true,
	"Month":     true,
	"Day":       true,
	"PageCount": true,
}

// listFields are descriptor elements holding comma-separated lists.
var listFields = map[string]bool{
	"Genre":       true,
	"Tags":        true,
	"Characters":  true,
	"Teams":       true,
	"Locations":   true,
	"Writer":      true,
	"Penciller":   true,
	"Inker":       true,
	"Colorist":    true,
	"Letterer":    true,
	"CoverArtist": true,
	"Editor":      true,
}

// Extract opens the archive at filePath and parses its embedded descriptor
// into the open metadata schema. Returns (nil, nil) when the archive format
// cannot carry a readable descriptor or no descriptor entry exists.
func Extract(ctx context.Context, filePath string) (database.Metadata, error) {
	if !comictypes.IsZipLike(filePath) {
		return nil, nil
	}

	// Open through the retry layer so a stale NFS handle on the archive
	// gets the same treatment as one on a stat.
	f, err := filesystem.OpenWithRetry(filePath, filesystem.DefaultRetryConfig())
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", filePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat archive %s: %w", filePath, err)
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("read archive %s: %w", filePath, err)
	}

	entry := findDescriptor(zr)
	if entry == nil {
		return nil, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rc, err := entry.Open()
	if err != nil {
		return nil, fmt.Errorf("open descriptor entry in %s: %w", filePath, err)
	}
	defer rc.Close()

	md, err := Parse(io.LimitReader(rc, descriptorMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}
	return md, nil
}

// findDescriptor locates the ComicInfo.xml entry. Root-level entries win;
// a nested entry is accepted as a fallback (some tools store it under a
// subdirectory).
func findDescriptor(zr *zip.Reader) *zip.File {
	var nested *zip.File
	for _, f := range zr.File {
		name := f.Name
		if strings.EqualFold(name, comictypes.DescriptorEntry) {
			return f
		}
		if strings.EqualFold(path.Base(name), comictypes.DescriptorEntry) && nested == nil {
			nested = f
		}
	}
	return nested
}

// Parse decodes descriptor XML into the tagged field mapping. Every child
// element of the root becomes a field; unknown elements are kept as strings
// so new descriptor vocabulary never breaks a scan.
func Parse(r io.Reader) (database.Metadata, error) {
	dec := xml.NewDecoder(r)

	// Find the root element.
	var root xml.StartElement
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: empty document", ErrMalformed)
			}
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			root = se
			break
		}
	}
	if root.Name.Local != "ComicInfo" {
		return nil, fmt.Errorf("%w: unexpected root element %q", ErrMalformed, root.Name.Local)
	}

	md := database.Metadata{}
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		var text string
		if err := dec.DecodeElement(&text, &se); err != nil {
			return nil, fmt.Errorf("%w: element %s: %v", ErrMalformed, se.Name.Local, err)
		}

		setField(md, se.Name.Local, strings.TrimSpace(text))
	}

	if len(md) == 0 {
		return nil, nil
	}
	return md, nil
}

// setField stores one descriptor element under the open schema, choosing the
// tagged kind by field vocabulary.
func setField(md database.Metadata, name, text string) {
	if text == "" {
		return
	}

	switch {
	case intFields[name]:
		if i, err := strconv.ParseInt(text, 10, 64); err == nil {
			md[name] = database.Int(i)
			return
		}
		// Non-numeric content in a numeric field degrades to string rather
		// than failing the whole descriptor.
		md[name] = database.String(text)
	case listFields[name]:
		parts := strings.Split(text, ",")
		items := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				items = append(items, p)
			}
		}
		if len(items) > 0 {
			md[name] = database.List(items...)
		}
	default:
		md[name] = database.String(text)
	}
}
