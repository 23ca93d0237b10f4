package kbseed

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/pal-onboarding/kb-seeder/internal/domain"
)

// excludedIntents are conversational categories that carry no knowledge.
var excludedIntents = map[string]struct{}{
	"greeting":   {},
	"goodbye":    {},
	"creator":    {},
	"name":       {},
	"random":     {},
	"swear":      {},
	"salutation": {},
	"task":       {},
}

// IsExcluded reports whether intent is filtered out of the knowledge base.
func IsExcluded(intent string) bool {
	_, ok := excludedIntents[intent]
	return ok
}

// ComposeContent renders the three-line document stored for an intent.
func ComposeContent(in domain.SourceIntent) string {
	return fmt.Sprintf("Topic: %s\nCommon questions: %s\nAnswer: %s",
		in.Intent,
		strings.Join(in.Text, ", "),
		strings.Join(in.Responses, " "),
	)
}

// DocumentID derives a deterministic UUIDv5 from the intent name and content.
// Distinct intents never collide and re-runs produce the same ids.
func DocumentID(intent, content string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("pal-kb:"+intent+"\x00"+content)).String()
}

// BuildDocuments maps the retained intents to candidate documents in input order.
// Entries identical to an earlier one map to the same id and are dropped;
// the number dropped is returned alongside.
func BuildDocuments(intents []domain.SourceIntent, source string) ([]domain.CandidateDocument, int) {
	docs := make([]domain.CandidateDocument, 0, len(intents))
	seen := make(map[string]struct{}, len(intents))
	dups := 0
	for _, in := range intents {
		if IsExcluded(in.Intent) {
			continue
		}
		content := ComposeContent(in)
		id := DocumentID(in.Intent, content)
		if _, ok := seen[id]; ok {
			dups++
			continue
		}
		seen[id] = struct{}{}
		docs = append(docs, domain.CandidateDocument{
			ID:      id,
			Content: content,
			Intent:  in.Intent,
			Metadata: map[string]string{
				domain.MetaTitle:        in.Intent,
				domain.MetaSource:       source,
				domain.MetaDocumentType: domain.DocumentTypeFAQ,
				domain.MetaCategory:     in.Category(),
			},
		})
	}
	return docs, dups
}

// Batch is a half-open window [Start, End) over the document list.
type Batch struct {
	Start int
	End   int
}

// Len returns the number of documents in the batch.
func (b Batch) Len() int { return b.End - b.Start }

// Batches splits n documents into consecutive windows of size; the last may be shorter.
func Batches(n, size int) []Batch {
	if n <= 0 {
		return nil
	}
	if size <= 0 {
		size = n
	}
	out := make([]Batch, 0, (n+size-1)/size)
	for i := 0; i < n; i += size {
		end := i + size
		if end > n {
			end = n
		}
		out = append(out, Batch{Start: i, End: end})
	}
	return out
}
