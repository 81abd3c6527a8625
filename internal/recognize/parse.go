package recognize

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/dunamismax/cardscan/internal/domain"
	"github.com/dunamismax/cardscan/internal/provider"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const cardSchemaJSON = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"country":  {"type": "string"},
		"name":     {"type": "string"},
		"position": {"type": "string"},
		"company":  {"type": "string"},
		"phone":    {"type": "string"}
	}
}`

var cardSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("card.json", cardSchemaJSON)
})

var cardFields = map[string]struct{}{
	"country": {}, "name": {}, "position": {}, "company": {}, "phone": {},
}

// ParseEnvelope extracts the first choice from a completion envelope and
// parses it as a card record.
func ParseEnvelope(raw []byte) (domain.CardRecord, error) {
	content, err := provider.FirstContent(raw)
	if err != nil {
		return domain.CardRecord{}, parseError(err, content)
	}
	return ParseRecord(content)
}

// ParseRecord decodes model output into a CardRecord. A surrounding
// markdown code fence is tolerated; nulls, blanks and unknown keys are
// dropped and numbers become strings before schema validation.
func ParseRecord(content string) (domain.CardRecord, error) {
	body := stripCodeFence(content)

	var fields map[string]any
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return domain.CardRecord{}, parseError(err, content)
	}
	if fields == nil {
		return domain.CardRecord{}, parseError(fmt.Errorf("result is not an object"), content)
	}

	for key, value := range fields {
		if _, ok := cardFields[key]; !ok {
			delete(fields, key)
			continue
		}
		switch v := value.(type) {
		case nil:
			delete(fields, key)
		case string:
			if s := strings.TrimSpace(v); s == "" {
				delete(fields, key)
			} else {
				fields[key] = s
			}
		case float64:
			fields[key] = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}

	schema, err := cardSchema()
	if err != nil {
		return domain.CardRecord{}, fmt.Errorf("compile card schema: %w", err)
	}
	if err := schema.Validate(any(fields)); err != nil {
		return domain.CardRecord{}, parseError(err, content)
	}

	cleaned, err := json.Marshal(fields)
	if err != nil {
		return domain.CardRecord{}, parseError(err, content)
	}
	var record domain.CardRecord
	if err := json.Unmarshal(cleaned, &record); err != nil {
		return domain.CardRecord{}, parseError(err, content)
	}
	return record, nil
}

// parseError keeps the model output on the wrapped cause only, so the stored
// message is the same for every unparseable result.
func parseError(err error, content string) *Error {
	if content != "" {
		err = fmt.Errorf("%w: content %q", err, content)
	}
	return &Error{Kind: KindParse, Status: http.StatusBadGateway, Message: ParseFailureMessage, Err: err}
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
