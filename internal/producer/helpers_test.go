package producer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/billrecon/internal/config"
	"github.com/sells-group/billrecon/internal/model"
	"github.com/sells-group/billrecon/internal/rules"
)

func defaultRules(t *testing.T) *rules.Set {
	t.Helper()
	set, err := rules.Default()
	require.NoError(t, err)
	return set
}

func spatialConfig() config.SpatialConfig {
	return config.SpatialConfig{
		RightWindow:        10,
		BelowWindow:        8,
		RowTolerance:       1.5,
		RightWeight:        0.8,
		MinTokenConfidence: 30,
	}
}

func textDoc(pages ...string) *model.Document {
	doc := &model.Document{Name: "bill.pdf"}
	for i, p := range pages {
		doc.Pages = append(doc.Pages, model.Page{Number: i + 1, Text: p})
	}
	return doc
}

// byField indexes candidates by field name, keeping the first per field.
func byField(cands []model.FieldCandidate) map[model.Field]model.FieldCandidate {
	out := make(map[model.Field]model.FieldCandidate)
	for _, c := range cands {
		if _, ok := out[c.Name]; !ok {
			out[c.Name] = c
		}
	}
	return out
}
