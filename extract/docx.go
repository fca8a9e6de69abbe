package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	docxDocumentPart = "word/document.xml"
	wordNamespace    = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"

	// maxDocumentXML caps the decompressed document part against zip bombs.
	maxDocumentXML = 64 * 1024 * 1024
)

// parseDOCX streams word/document.xml and emits one line per paragraph.
func parseDOCX(data []byte) (string, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}

	var part *zip.File
	for _, f := range archive.File {
		if f.Name == docxDocumentPart {
			part = f
			break
		}
	}
	if part == nil {
		return "", fmt.Errorf("docx: %s missing", docxDocumentPart)
	}

	rc, err := part.Open()
	if err != nil {
		return "", fmt.Errorf("docx: open %s: %w", docxDocumentPart, err)
	}
	defer rc.Close()

	return paragraphs(io.LimitReader(rc, maxDocumentXML))
}

func paragraphs(r io.Reader) (string, error) {
	decoder := xml.NewDecoder(r)

	var (
		lines   []string
		current strings.Builder
		inText  bool
		inPara  bool
	)

	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("docx: parse xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != wordNamespace {
				continue
			}
			switch t.Name.Local {
			case "p":
				inPara = true
				current.Reset()
			case "t":
				inText = true
			case "tab":
				current.WriteByte('\t')
			case "br", "cr":
				current.WriteByte('\n')
			}
		case xml.EndElement:
			if t.Name.Space != wordNamespace {
				continue
			}
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if inPara && strings.TrimSpace(current.String()) != "" {
					lines = append(lines, current.String())
				}
				inPara = false
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}

	return strings.Join(lines, "\n"), nil
}
