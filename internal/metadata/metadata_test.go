package metadata

import (
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChapterNumber(t *testing.T) {
	t.Parallel()

	cases := []struct {
		title string
		want  string
		ok    bool
	}{
		{"Series ch10", "10", true},
		{"Chapter 15", "15", true},
		{"Something #3", "3", true},
		{"Series Ch.7.5: Part", "7.5", true},
		{"Series c04", "04", true},
		{"Volume Extra 12", "12", true},
		{"Oneshot", "", false},
	}
	for _, tc := range cases {
		got, ok := ChapterNumber(tc.title)
		assert.Equal(t, tc.ok, ok, tc.title)
		assert.Equal(t, tc.want, got, tc.title)
	}
}

func TestSubtitle(t *testing.T) {
	t.Parallel()

	sub, ok := Subtitle("Cool Series ch05: The Reveal", "cool series")
	require.True(t, ok)
	assert.Equal(t, "The Reveal", sub)

	sub, ok = Subtitle("Cool Series Chapter 5 - Aftermath", "Cool Series")
	require.True(t, ok)
	assert.Equal(t, "Aftermath", sub)

	_, ok = Subtitle("Cool Series ch05", "Cool Series")
	assert.False(t, ok, "nothing left after stripping")

	_, ok = Subtitle("Untouched Title", "Other")
	assert.False(t, ok, "unchanged title is not a subtitle")
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a_b_c_d_e_f_g_h_i", Sanitize(` a<b>c:d"e/f\g|h?i `))
	assert.Equal(t, "x_", Sanitize("x*"))
	// NFD input composes to a single rune.
	assert.Equal(t, "caf\u00e9", Sanitize("cafe\u0301"))
}

func TestFilename(t *testing.T) {
	t.Parallel()

	got := Filename(FilenameInput{
		Title:         "Cool Series ch05: The Reveal",
		SeriesName:    "Cool Series",
		IncludeSeries: true,
		Volume:        intPtr(2),
	})
	assert.Equal(t, "Cool Series v2 ch05 - The Reveal.cbz", got)
}

func TestFilenameVariants(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ch05 - The Reveal.cbz", Filename(FilenameInput{
		Title:      "Cool Series ch05: The Reveal",
		SeriesName: "Cool Series",
	}))
	assert.Equal(t, "Cool Series ch05.zip", Filename(FilenameInput{
		Title:         "Cool Series ch05",
		SeriesName:    "Cool Series",
		IncludeSeries: true,
		Ext:           "zip",
	}))
	assert.Equal(t, "Cool Series - cool_series_special.cbz", Filename(FilenameInput{
		Title:         "Special",
		SeriesName:    "Cool Series",
		IncludeSeries: true,
		ChapterURL:    "https://dynasty-scans.com/chapters/cool_series_special/",
	}))
	assert.Equal(t, "What_ A Oneshot.cbz", Filename(FilenameInput{
		Title:      "What? A Oneshot",
		ChapterURL: "https://dynasty-scans.com/chapters/what_a_oneshot",
	}))
}

func TestComicInfoDocument(t *testing.T) {
	t.Parallel()

	release := time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC)
	info := NewComicInfo(Info{
		Title:       "Cool Series ch05: The Reveal",
		SeriesName:  "Cool Series",
		Volume:      intPtr(2),
		Authors:     []string{"Author One", "Author Two"},
		Tags:        []string{"Yuri", "Comedy"},
		ReleaseDate: &release,
		PageCount:   intPtr(24),
	})
	out, err := info.Marshal()
	require.NoError(t, err)

	doc := string(out)
	require.True(t, strings.HasPrefix(doc, `<?xml version="1.0" encoding="utf-8"?>`+"\n<ComicInfo"))
	assert.Contains(t, doc, `xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"`)
	assert.Contains(t, doc, "  <Series>Cool Series</Series>")

	order := []string{"<Series>", "<Number>05<", "<Volume>2<", "<Title>The Reveal<", "<Writer>Author One, Author Two<",
		"<Tags>Yuri, Comedy<", "<Year>2026<", "<Month>1<", "<Day>15<", "<PageCount>24<", "<Manga>YesAndRightToLeft<"}
	last := -1
	for _, el := range order {
		idx := strings.Index(doc, el)
		require.GreaterOrEqual(t, idx, 0, el)
		require.Greater(t, idx, last, el)
		last = idx
	}

	var parsed ComicInfo
	require.NoError(t, xml.Unmarshal(out, &parsed))
	assert.Equal(t, "05", parsed.Number)
}

func TestComicInfoOmitsUnknownFields(t *testing.T) {
	t.Parallel()

	out, err := NewComicInfo(Info{Title: "Oneshot", Tags: []string{"Read Left to Right"}}).Marshal()
	require.NoError(t, err)
	doc := string(out)
	for _, el := range []string{"<Series>", "<Number>", "<Volume>", "<Title>", "<Year>", "<PageCount>"} {
		assert.NotContains(t, doc, el)
	}
	assert.Contains(t, doc, "<Manga>Yes</Manga>")
}

func intPtr(v int) *int { return &v }
