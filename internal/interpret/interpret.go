package interpret

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"litingest/internal/models"
	"litingest/internal/providers"
	"litingest/internal/util"
)

const (
	FigurePrompt = `You are an expert biologist who reads and interprets figures from scientific papers. ` +
		`Interpret the figure you are given. Do not comment on whether the figure is well made and do not say that you are looking at a figure. ` +
		`Where possible, briefly describe each panel, then give an overall conclusion about what the figure shows.`
	TablePrompt = `You are an expert biologist who reads and interprets tables from scientific papers. ` +
		`Interpret the table you are given. Do not comment on whether the table is well made and do not say that you are looking at a table. ` +
		`Give an overall conclusion about what the table shows.`

	DefaultMaxTokens = 400
)

type Captioner interface {
	Caption(ctx context.Context, req providers.CaptionRequest) (providers.CaptionResponse, providers.ProviderInfo, error)
}

type Prompts struct {
	Figure    string `yaml:"figure"`
	Table     string `yaml:"table"`
	MaxTokens int    `yaml:"max_tokens"`
}

func DefaultPrompts() Prompts {
	return Prompts{Figure: FigurePrompt, Table: TablePrompt, MaxTokens: DefaultMaxTokens}
}

// LoadPrompts overlays a YAML file on the default prompts. Empty path means defaults.
func LoadPrompts(path string) (Prompts, error) {
	p := DefaultPrompts()
	if strings.TrimSpace(path) == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Prompts{}, fmt.Errorf("read prompts file: %w", err)
	}
	var override Prompts
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return Prompts{}, fmt.Errorf("parse prompts file: %w", err)
	}
	if s := strings.TrimSpace(override.Figure); s != "" {
		p.Figure = s
	}
	if s := strings.TrimSpace(override.Table); s != "" {
		p.Table = s
	}
	if override.MaxTokens > 0 {
		p.MaxTokens = override.MaxTokens
	}
	return p, nil
}

type Caption struct {
	Text      string `json:"text"`
	Truncated bool   `json:"truncated"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
}

type Interpreter struct {
	captioner Captioner
	prompts   Prompts
	log       *slog.Logger
}

func New(c Captioner, prompts Prompts, logger *slog.Logger) *Interpreter {
	if prompts.MaxTokens <= 0 {
		prompts.MaxTokens = DefaultMaxTokens
	}
	if logger == nil {
		logger = util.DiscardLogger()
	}
	return &Interpreter{captioner: c, prompts: prompts, log: logger}
}

func (in *Interpreter) promptFor(role models.ImageRole) (string, error) {
	switch role {
	case models.RoleFigure:
		return in.prompts.Figure, nil
	case models.RoleTable:
		return in.prompts.Table, nil
	default:
		return "", util.Errorf(util.KindValidation, "caption", "unknown image role %q", role)
	}
}

// Caption makes exactly one model call for img. A generation cut off at the token cap is
// returned with Truncated set.
func (in *Interpreter) Caption(ctx context.Context, img models.Image, role models.ImageRole) (Caption, error) {
	prompt, err := in.promptFor(role)
	if err != nil {
		return Caption{}, err
	}
	if len(img.Data) == 0 {
		return Caption{}, util.Errorf(util.KindValidation, "caption", "empty %s image on page %d", role, img.Page)
	}
	resp, info, err := in.captioner.Caption(ctx, providers.CaptionRequest{
		Operation:    "caption_" + string(role),
		SystemPrompt: prompt,
		Image:        img.Data,
		MIME:         img.MIME,
		MaxTokens:    in.prompts.MaxTokens,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Caption{}, ctx.Err()
		}
		return Caption{}, util.NewError(util.KindCaptionUnavailable, fmt.Sprintf("caption %s p%d#%d", role, img.Page, img.Index), err)
	}
	return Caption{Text: util.SanitizeText(resp.Text), Truncated: resp.Truncated, Provider: info.Name, Model: info.Model}, nil
}

// CaptionAll captions every figure and table of p in place. A failed image keeps an
// empty caption and adds a note to the paper.
func (in *Interpreter) CaptionAll(ctx context.Context, p *models.Paper) {
	caption := func(imgs []models.Image, role models.ImageRole) {
		for i := range imgs {
			if ctx.Err() != nil {
				return
			}
			c, err := in.Caption(ctx, imgs[i], role)
			if err != nil {
				in.log.Warn("caption failed", "source", p.Metadata.Source, "source_id", p.Metadata.SourceID, "role", role, "page", imgs[i].Page, "err", err)
				p.Note("%s p%d#%d caption failed: %v", role, imgs[i].Page, imgs[i].Index, err)
				continue
			}
			imgs[i].Caption = c.Text
			imgs[i].CaptionTruncated = c.Truncated
		}
	}
	caption(p.Figures, models.RoleFigure)
	caption(p.Tables, models.RoleTable)
}
