package interpret

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"litingest/internal/models"
	"litingest/internal/providers"
	"litingest/internal/util"
)

type recordingCaptioner struct {
	reqs []providers.CaptionRequest
	fail map[int]bool
}

func (r *recordingCaptioner) Caption(ctx context.Context, req providers.CaptionRequest) (providers.CaptionResponse, providers.ProviderInfo, error) {
	i := len(r.reqs)
	r.reqs = append(r.reqs, req)
	if r.fail[i] {
		return providers.CaptionResponse{}, providers.ProviderInfo{}, errors.New("model offline")
	}
	return providers.CaptionResponse{Text: "caption " + req.Operation, Truncated: i == 0}, providers.ProviderInfo{Name: "fake", Model: "v"}, nil
}

func TestCaptionUsesRolePromptAndCap(t *testing.T) {
	c := &recordingCaptioner{}
	in := New(c, DefaultPrompts(), nil)
	out, err := in.Caption(context.Background(), models.Image{Data: []byte("png"), MIME: "image/png"}, models.RoleTable)
	require.NoError(t, err)
	require.True(t, out.Truncated)
	require.Equal(t, "caption caption_table", out.Text)
	require.Len(t, c.reqs, 1)
	require.Equal(t, TablePrompt, c.reqs[0].SystemPrompt)
	require.Equal(t, DefaultMaxTokens, c.reqs[0].MaxTokens)

	_, err = in.Caption(context.Background(), models.Image{Data: []byte("png")}, "equation")
	require.Equal(t, util.KindValidation, util.KindOf(err))
}

func TestCaptionProviderFailureIsCaptionUnavailable(t *testing.T) {
	c := &recordingCaptioner{fail: map[int]bool{0: true}}
	_, err := New(c, DefaultPrompts(), nil).Caption(context.Background(), models.Image{Data: []byte("png"), Page: 4}, models.RoleFigure)
	require.Equal(t, util.KindCaptionUnavailable, util.KindOf(err))
	require.True(t, util.Retryable(util.KindOf(err)))
	require.Contains(t, err.Error(), "caption figure p4#0")
}

func TestCaptionAllRecordsFailuresAsNotes(t *testing.T) {
	c := &recordingCaptioner{fail: map[int]bool{1: true}}
	in := New(c, DefaultPrompts(), nil)
	p := &models.Paper{
		Figures: []models.Image{{Page: 1, Data: []byte("a")}, {Page: 2, Index: 0, Data: []byte("b")}},
		Tables:  []models.Image{{Page: 3, Data: []byte("c")}},
	}
	in.CaptionAll(context.Background(), p)
	require.Len(t, c.reqs, 3)
	require.NotEmpty(t, p.Figures[0].Caption)
	require.Empty(t, p.Figures[1].Caption)
	require.NotEmpty(t, p.Tables[0].Caption)
	require.Len(t, p.Notes, 1)
	require.Contains(t, p.Notes[0], "figure p2#0")
}

func TestLoadPromptsOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("figure: Describe the figure.\nmax_tokens: 128\n"), 0o644))
	p, err := LoadPrompts(path)
	require.NoError(t, err)
	require.Equal(t, "Describe the figure.", p.Figure)
	require.Equal(t, TablePrompt, p.Table)
	require.Equal(t, 128, p.MaxTokens)

	p, err = LoadPrompts("")
	require.NoError(t, err)
	require.Equal(t, DefaultPrompts(), p)
}
