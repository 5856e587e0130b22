package downloads

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vrsandeep/mangarr-go/internal/models"
	"github.com/vrsandeep/mangarr-go/internal/testutil"
)

func TestImportTitle(t *testing.T) {
	h := newHarness(t)
	author := "Muneyuki Kaneshiro"
	meta := models.TitleMetadata{URL: "/series/blue", Title: "Blue Lock", Author: &author}
	h.cat.SetTitle(testSource, "/series/blue", meta)
	h.cat.SetChapters(testSource, "/series/blue", testutil.RemoteChapters("/series/blue", 3))

	res, err := h.svc.ImportTitle(h.ctx, models.LibraryImportRequest{SourceID: testSource, TitleURL: " /series/blue "})
	require.NoError(t, err)
	assert.True(t, res.Created)

	title, err := h.st.GetTitle(h.ctx, res.LibraryTitleID)
	require.NoError(t, err)
	assert.Equal(t, "Blue Lock", title.Title)
	assert.Equal(t, "blue lock|muneyuki kaneshiro", title.CanonicalKey)
	chapters, err := h.st.ListChaptersForVariant(h.ctx, res.VariantID)
	require.NoError(t, err)
	assert.Len(t, chapters, 3)

	t.Run("reimport refreshes", func(t *testing.T) {
		h.cat.SetChapters(testSource, "/series/blue", testutil.RemoteChapters("/series/blue", 4))
		again, err := h.svc.ImportTitle(h.ctx, models.LibraryImportRequest{SourceID: testSource, TitleURL: "/series/blue"})
		require.NoError(t, err)
		assert.False(t, again.Created)
		assert.Equal(t, res.VariantID, again.VariantID)

		chapters, err := h.st.ListChaptersForVariant(h.ctx, res.VariantID)
		require.NoError(t, err)
		assert.Len(t, chapters, 4)
	})

	t.Run("same work on another source joins the title", func(t *testing.T) {
		h.cat.SetTitle("mirror", "/m/blue-lock", models.TitleMetadata{URL: "/m/blue-lock", Title: "BLUE LOCK!", Author: &author})
		h.cat.SetChapters("mirror", "/m/blue-lock", nil)
		other, err := h.svc.ImportTitle(h.ctx, models.LibraryImportRequest{SourceID: "mirror", TitleURL: "/m/blue-lock"})
		require.NoError(t, err)
		assert.True(t, other.Created)
		assert.Equal(t, res.LibraryTitleID, other.LibraryTitleID)
		assert.NotEqual(t, res.VariantID, other.VariantID)
	})

	t.Run("missing fields", func(t *testing.T) {
		_, err := h.svc.ImportTitle(h.ctx, models.LibraryImportRequest{SourceID: testSource})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("unknown remote title", func(t *testing.T) {
		_, err := h.svc.ImportTitle(h.ctx, models.LibraryImportRequest{SourceID: testSource, TitleURL: "/nope"})
		require.Error(t, err)
	})
}
