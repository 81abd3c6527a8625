package recognize

import (
	"errors"
	"strings"
	"testing"
)

func TestParseRecord(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
		phone   string
	}{
		{
			name:    "plain json",
			content: `{"country":"中国","name":"张三","position":"经理","company":"ABC","phone":"(+86)-13812345678"}`,
			want:    "张三",
			phone:   "(+86)-13812345678",
		},
		{
			name:    "fenced json",
			content: "```json\n{\"name\":\"李四\",\"phone\":null}\n```",
			want:    "李四",
		},
		{
			name:    "unknown keys and blanks dropped",
			content: `{"name":" Ada ","fax":"123","company":"   "}`,
			want:    "Ada",
		},
		{
			name:    "numeric phone coerced",
			content: `{"name":"Bo","phone":8613812345678}`,
			want:    "Bo",
			phone:   "8613812345678",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			record, err := ParseRecord(tc.content)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if record.Name != tc.want {
				t.Fatalf("expected name %q, got %q", tc.want, record.Name)
			}
			if record.Phone != tc.phone {
				t.Fatalf("expected phone %q, got %q", tc.phone, record.Phone)
			}
		})
	}
}

func TestParseRecordEmptyObjectIsValid(t *testing.T) {
	record, err := ParseRecord(`{}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !record.IsEmpty() {
		t.Fatalf("expected empty record, got %+v", record)
	}
}

func TestParseRecordRejectsMalformedContent(t *testing.T) {
	for _, content := range []string{
		"(+86)-13812345678",
		"not json at all",
		`["a","b"]`,
		`null`,
		`{"name":{"first":"张"}}`,
	} {
		_, err := ParseRecord(content)
		var recErr *Error
		if !errors.As(err, &recErr) {
			t.Fatalf("%q: expected *Error, got %v", content, err)
		}
		if recErr.Kind != KindParse || recErr.Message != ParseFailureMessage {
			t.Fatalf("%q: unexpected error %+v", content, recErr)
		}
		if recErr.IsUpstream() {
			t.Fatalf("%q: parse errors must not be upstream", content)
		}
		if err.Error() != ParseFailureMessage {
			t.Fatalf("%q: error text = %q, want %q", content, err.Error(), ParseFailureMessage)
		}
		if !strings.Contains(errors.Unwrap(err).Error(), "content") {
			t.Fatalf("%q: cause should keep the model output, got %v", content, errors.Unwrap(err))
		}
	}
}

func TestParseEnvelope(t *testing.T) {
	raw := []byte(`{"choices":[{"message":{"content":"{\"company\":\"ABC\"}"}}]}`)
	record, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	if record.Company != "ABC" {
		t.Fatalf("unexpected record %+v", record)
	}

	if _, err := ParseEnvelope([]byte(`{"choices":[]}`)); KindOf(err) != KindParse {
		t.Fatalf("expected parse kind for empty choices, got %v", err)
	}
}
