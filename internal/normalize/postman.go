package normalize

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/bigthinkcode/rest-tester/internal/testcase"
)

var placeholder = regexp.MustCompile(`\{\{[^}]*\}\}`)

// Collection is the subset of a Postman v2 collection read by the converter.
type Collection struct {
	Info struct {
		PostmanID string `json:"_postman_id"`
		Name      string `json:"name"`
	} `json:"info"`
	Item []Item `json:"item"`
}

// Item is either a folder (Item set) or a request (Request set).
type Item struct {
	Name    string   `json:"name"`
	Item    []Item   `json:"item,omitempty"`
	Request *Request `json:"request,omitempty"`
}

// Request is a Postman request definition.
type Request struct {
	Method string `json:"method"`
	URL    URL    `json:"url"`
	Body   *Body  `json:"body,omitempty"`
}

// URL accepts both the string and the object form of a Postman url.
type URL struct {
	Raw   string       `json:"raw"`
	Query []QueryParam `json:"query,omitempty"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (u *URL) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		u.Raw = raw
		return nil
	}
	type plain URL
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("postman url: %w", err)
	}
	*u = URL(p)
	return nil
}

// QueryParam is one entry of a Postman url query list.
type QueryParam struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Disabled bool   `json:"disabled,omitempty"`
}

// Body is a Postman request body. Only raw bodies are converted.
type Body struct {
	Mode string `json:"mode"`
	Raw  string `json:"raw"`
}

// ConvertPostman turns each folder of a collection into a group of test cases
// named after the folder. Nested folders are flattened into their top-level
// folder; requests outside any folder land in the default group.
func ConvertPostman(doc map[string]any, logger *slog.Logger) (*TaggedCases, error) {
	var coll Collection
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding collection: %w", err)
	}
	if err := json.Unmarshal(data, &coll); err != nil {
		return nil, fmt.Errorf("decoding collection: %w", err)
	}

	out := newTaggedCases()
	for _, item := range coll.Item {
		if item.Request != nil {
			out.add(DefaultTag, convertRequest(*item.Request))
			continue
		}
		if len(item.Item) == 0 {
			logger.Warn("skipping empty postman folder", "folder", item.Name)
			continue
		}

		tag := strings.ReplaceAll(item.Name, " ", "_")
		for _, req := range flattenRequests(item.Item) {
			out.add(tag, convertRequest(req))
		}
		logger.Debug("converted postman folder", "folder", item.Name, "group", tag)
	}
	return out, nil
}

func flattenRequests(items []Item) []Request {
	var out []Request
	for _, item := range items {
		if item.Request != nil {
			out = append(out, *item.Request)
			continue
		}
		out = append(out, flattenRequests(item.Item)...)
	}
	return out
}

func convertRequest(req Request) testcase.TestCase {
	tc := testcase.TestCase{
		API: testcase.API{
			URI:    placeholder.ReplaceAllString(req.URL.Raw, ""),
			Method: strings.ToLower(req.Method),
		},
		Tests: testcase.Tests{
			testcase.KindStatusCode: defaultStatusCode,
			testcase.KindTimeout:    defaultTimeout,
		},
	}
	if tc.API.Method == "" {
		tc.API.Method = "get"
	}

	var params []any
	for _, q := range req.URL.Query {
		if q.Disabled {
			continue
		}
		params = append(params, map[string]any{q.Key: q.Value})
	}
	if len(params) > 0 {
		tc.API.Params = params
	}

	if req.Body != nil && req.Body.Raw != "" {
		var body any
		if err := json.Unmarshal([]byte(req.Body.Raw), &body); err == nil {
			tc.API.Data = body
		} else {
			tc.API.Data = req.Body.Raw
			tc.API.RawData = true
		}
	}
	return tc
}
