package archive

import (
	"encoding/xml"
	"fmt"
	"time"
)

// ComicInfo is the metadata document embedded in each archive. Readers that
// understand the schema pick up title, author, and reading direction; readers
// that do not simply ignore the file.
type ComicInfo struct {
	XMLName    xml.Name `xml:"ComicInfo"`
	Title      string   `xml:"Title,omitempty"`
	Summary    string   `xml:"Summary,omitempty"`
	Writer     string   `xml:"Writer,omitempty"`
	Translator string   `xml:"Translator,omitempty"`
	Editor     string   `xml:"Editor,omitempty"`
	Year       int      `xml:"Year,omitempty"`
	Month      int      `xml:"Month,omitempty"`
	Day        int      `xml:"Day,omitempty"`
	Web        string   `xml:"Web,omitempty"`
	PageCount  int      `xml:"PageCount,omitempty"`
	Genre      string   `xml:"Genre,omitempty"`
	Tags       string   `xml:"Tags,omitempty"`
	// LanguageISO is an ISO 639-1 code.
	LanguageISO string `xml:"LanguageISO,omitempty"`
	// Manga set to YesAndRightToLeft tells readers to page right-to-left.
	Manga string `xml:"Manga,omitempty"`
}

// NewComicInfo fills a ComicInfo from item metadata. The updated timestamp,
// when known, becomes the Year/Month/Day triple.
func NewComicInfo(title, author, sourceURL string, pageCount int, updatedAt time.Time) ComicInfo {
	info := ComicInfo{
		Title:       title,
		Writer:      author,
		Web:         sourceURL,
		PageCount:   pageCount,
		LanguageISO: "zh",
		Manga:       "YesAndRightToLeft",
	}
	if !updatedAt.IsZero() {
		info.Year = updatedAt.Year()
		info.Month = int(updatedAt.Month())
		info.Day = updatedAt.Day()
	}
	return info
}

// Marshal renders the document with the XML header comic readers expect.
func (c ComicInfo) Marshal() ([]byte, error) {
	body, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal comic info: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
