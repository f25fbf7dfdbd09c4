package metadata

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// ComicInfoName is the fixed archive entry name of the metadata document.
const ComicInfoName = "ComicInfo.xml"

const (
	xmlHeader        = `<?xml version="1.0" encoding="utf-8"?>` + "\n"
	leftToRightTag   = "read left to right"
	mangaLeftToRight = "Yes"
	mangaRightToLeft = "YesAndRightToLeft"
	xsiNamespace     = "http://www.w3.org/2001/XMLSchema-instance"
	xsdNamespace     = "http://www.w3.org/2001/XMLSchema"
	listSeparator    = ", "
)

// Info is the chapter data a ComicInfo document is built from.
type Info struct {
	Title       string
	SeriesName  string
	Volume      *int
	Authors     []string
	Tags        []string
	ReleaseDate *time.Time
	PageCount   *int
}

// ComicInfo is the ComicRack metadata document. Field order is the element
// order readers expect.
type ComicInfo struct {
	XMLName   xml.Name `xml:"ComicInfo"`
	XSI       string   `xml:"xmlns:xsi,attr"`
	XSD       string   `xml:"xmlns:xsd,attr"`
	Series    string   `xml:"Series,omitempty"`
	Number    string   `xml:"Number,omitempty"`
	Volume    *int     `xml:"Volume,omitempty"`
	Title     string   `xml:"Title,omitempty"`
	Writer    string   `xml:"Writer,omitempty"`
	Tags      string   `xml:"Tags,omitempty"`
	Year      int      `xml:"Year,omitempty"`
	Month     int      `xml:"Month,omitempty"`
	Day       int      `xml:"Day,omitempty"`
	PageCount *int     `xml:"PageCount,omitempty"`
	Manga     string   `xml:"Manga"`
}

// NewComicInfo derives the document fields from chapter data.
func NewComicInfo(in Info) ComicInfo {
	ci := ComicInfo{
		XSI:       xsiNamespace,
		XSD:       xsdNamespace,
		Series:    in.SeriesName,
		Volume:    in.Volume,
		Writer:    strings.Join(in.Authors, listSeparator),
		Tags:      strings.Join(in.Tags, listSeparator),
		PageCount: in.PageCount,
		Manga:     ReadingDirection(in.Tags),
	}
	if n, ok := ChapterNumber(in.Title); ok {
		ci.Number = n
	}
	if sub, ok := Subtitle(in.Title, in.SeriesName); ok {
		ci.Title = sub
	}
	if in.ReleaseDate != nil {
		ci.Year = in.ReleaseDate.Year()
		ci.Month = int(in.ReleaseDate.Month())
		ci.Day = in.ReleaseDate.Day()
	}
	return ci
}

// ReadingDirection returns the Manga element value: right-to-left unless a
// tag marks the chapter as left-to-right.
func ReadingDirection(tags []string) string {
	for _, tag := range tags {
		if strings.EqualFold(strings.TrimSpace(tag), leftToRightTag) {
			return mangaLeftToRight
		}
	}
	return mangaRightToLeft
}

// Marshal renders the indented document with its XML declaration.
func (c ComicInfo) Marshal() ([]byte, error) {
	body, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal comicinfo: %w", err)
	}
	out := make([]byte, 0, len(xmlHeader)+len(body)+1)
	out = append(out, xmlHeader...)
	out = append(out, body...)
	out = append(out, '\n')
	return out, nil
}
