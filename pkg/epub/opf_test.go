package epub

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOPF_UniqueIdentifier(t *testing.T) {
	t.Parallel()
	opfXML := `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="2.0" unique-identifier="pub-id">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:opf="http://www.idpf.org/2007/opf">
    <dc:title>Pride and Prejudice</dc:title>
    <dc:identifier opf:scheme="ISBN">9780316769488</dc:identifier>
    <dc:identifier id="pub-id">http://www.gutenberg.org/1342</dc:identifier>
  </metadata>
</package>`

	opf, err := ParseOPF("content.opf", strings.NewReader(opfXML))
	require.NoError(t, err)
	assert.Equal(t, "http://www.gutenberg.org/1342", opf.UniqueIdentifier)
}

func TestParseOPF_UniqueIdentifierFallsBackToFirst(t *testing.T) {
	t.Parallel()
	opfXML := `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="2.0" unique-identifier="missing">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:identifier>  first-id  </dc:identifier>
    <dc:identifier>second-id</dc:identifier>
  </metadata>
</package>`

	opf, err := ParseOPF("content.opf", strings.NewReader(opfXML))
	require.NoError(t, err)
	assert.Equal(t, "first-id", opf.UniqueIdentifier)
}

func TestParseOPF_MainTitle(t *testing.T) {
	t.Parallel()
	opfXML := `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:title id="title-sub">Book One of the Stormlight Archive</dc:title>
    <dc:title id="title-main">The Way of Kings</dc:title>
    <meta refines="#title-main" property="title-type">main</meta>
    <meta refines="#title-sub" property="title-type">subtitle</meta>
  </metadata>
</package>`

	opf, err := ParseOPF("content.opf", strings.NewReader(opfXML))
	require.NoError(t, err)
	assert.Equal(t, "The Way of Kings", opf.Title)
}

func TestParseOPF_Authors(t *testing.T) {
	t.Parallel()
	opfXML := `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:opf="http://www.idpf.org/2007/opf">
    <dc:creator opf:role="aut">Terry Pratchett</dc:creator>
    <dc:creator id="c2">Neil Gaiman</dc:creator>
    <meta refines="#c2" property="role">aut</meta>
    <dc:creator id="c3">Some Illustrator</dc:creator>
    <meta refines="#c3" property="role">ill</meta>
    <dc:creator opf:role="edt">An Editor</dc:creator>
  </metadata>
</package>`

	opf, err := ParseOPF("content.opf", strings.NewReader(opfXML))
	require.NoError(t, err)
	assert.Equal(t, []string{"Terry Pratchett", "Neil Gaiman"}, opf.Authors)
}

func TestParseOPF_CalibreSeries(t *testing.T) {
	t.Parallel()
	opfXML := `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="2.0">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <meta name="calibre:series" content="Discworld"/>
    <meta name="calibre:series_index" content="4.5"/>
  </metadata>
</package>`

	opf, err := ParseOPF("content.opf", strings.NewReader(opfXML))
	require.NoError(t, err)
	assert.Equal(t, "Discworld", opf.Series)
	assert.InDelta(t, 4.5, opf.SeriesIndex, 0.0001)
}

func TestParseOPF_CollectionSeries(t *testing.T) {
	t.Parallel()
	opfXML := `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <meta property="belongs-to-collection" id="c01">The Expanse</meta>
    <meta refines="#c01" property="collection-type">series</meta>
    <meta refines="#c01" property="group-position">3</meta>
  </metadata>
</package>`

	opf, err := ParseOPF("content.opf", strings.NewReader(opfXML))
	require.NoError(t, err)
	assert.Equal(t, "The Expanse", opf.Series)
	assert.InDelta(t, 3.0, opf.SeriesIndex, 0.0001)
}

func TestParseOPF_SeriesIndexDefaultsToZero(t *testing.T) {
	t.Parallel()
	opfXML := `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="2.0">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <meta name="calibre:series" content="Discworld"/>
    <meta name="calibre:series_index" content="not a number"/>
  </metadata>
</package>`

	opf, err := ParseOPF("content.opf", strings.NewReader(opfXML))
	require.NoError(t, err)
	assert.Zero(t, opf.SeriesIndex)
}

func TestParseOPF_Cover(t *testing.T) {
	t.Parallel()

	t.Run("epub2 meta", func(t *testing.T) {
		opfXML := `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="2.0">
  <metadata><meta name="cover" content="img"/></metadata>
  <manifest><item id="img" href="images/My%20Cover.jpg" media-type="image/jpeg"/></manifest>
</package>`

		opf, err := ParseOPF("OEBPS/content.opf", strings.NewReader(opfXML))
		require.NoError(t, err)
		assert.Equal(t, "OEBPS/images/My Cover.jpg", opf.CoverFilepath)
		assert.Equal(t, "image/jpeg", opf.CoverMimeType)
	})

	t.Run("epub3 property at root", func(t *testing.T) {
		opfXML := `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0">
  <metadata/>
  <manifest>
    <item id="nav" href="nav.xhtml" media-type="application/xhtml+xml" properties="nav"/>
    <item id="c" href="cover.png" media-type="image/png" properties="cover-image"/>
  </manifest>
</package>`

		opf, err := ParseOPF("content.opf", strings.NewReader(opfXML))
		require.NoError(t, err)
		assert.Equal(t, "cover.png", opf.CoverFilepath)
	})
}

func TestParseOPF_Malformed(t *testing.T) {
	t.Parallel()

	_, err := ParseOPF("content.opf", strings.NewReader("<package><metadata>"))
	assert.Error(t, err)
}
