package kbseed

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"gopkg.in/yaml.v3"

	"github.com/pal-onboarding/kb-seeder/internal/domain"
	"github.com/pal-onboarding/kb-seeder/pkg/textx"
)

type datasetFile struct {
	Intents []domain.SourceIntent `json:"intents" yaml:"intents"`
}

// LoadDataset reads the intents file at path. JSON is the primary format;
// files ending in .yaml or .yml are parsed as YAML with the same schema.
// Every failure wraps domain.ErrDatasetInvalid.
func LoadDataset(path string) ([]domain.SourceIntent, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("op=kbseed.LoadDataset: %w: file not found: %s", domain.ErrDatasetInvalid, path)
		}
		return nil, fmt.Errorf("op=kbseed.LoadDataset: %w: %v", domain.ErrDatasetInvalid, err)
	}
	if !isText(mt) {
		return nil, fmt.Errorf("op=kbseed.LoadDataset: %w: %s is %s, not text", domain.ErrDatasetInvalid, path, mt.String())
	}

	// #nosec G304 -- the dataset path is operator supplied
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=kbseed.LoadDataset: %w: %v", domain.ErrDatasetInvalid, err)
	}

	var doc datasetFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &doc)
	default:
		err = json.Unmarshal(b, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("op=kbseed.LoadDataset: %w: parse %s: %v", domain.ErrDatasetInvalid, path, err)
	}
	if doc.Intents == nil {
		return nil, fmt.Errorf("op=kbseed.LoadDataset: %w: %s has no intents array", domain.ErrDatasetInvalid, path)
	}
	return sanitizeIntents(doc.Intents), nil
}

// isText walks the detected type and its parents looking for text/plain,
// which covers JSON and YAML as well as untyped text.
func isText(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

// sanitizeIntents drops control characters everywhere and trims question and
// response entries. Intent names and context.out are left untrimmed so the
// exclusion filter and the category fallback see the raw value.
func sanitizeIntents(in []domain.SourceIntent) []domain.SourceIntent {
	out := make([]domain.SourceIntent, len(in))
	for i, it := range in {
		clean := domain.SourceIntent{
			Intent:    textx.StripControl(it.Intent),
			Text:      textx.SanitizeAll(it.Text),
			Responses: textx.SanitizeAll(it.Responses),
		}
		if it.Context != nil {
			clean.Context = &domain.IntentContext{Out: textx.StripControl(it.Context.Out)}
		}
		out[i] = clean
	}
	return out
}
