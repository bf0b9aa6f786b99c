// Package report delivers assertion results to the console and to a JSON
// results file.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bigthinkcode/rest-tester/internal/assert"
)

// Sink receives results as they are produced and the summary at the end.
type Sink interface {
	Record(r assert.Result)
	Close(s Summary) error
}

// IdentityError records an identity whose run was aborted.
type IdentityError struct {
	Identity string `json:"identity"`
	Error    string `json:"error"`
}

// Summary totals a run.
type Summary struct {
	Passed         int             `json:"passed"`
	Failed         int             `json:"failed"`
	Skipped        int             `json:"skipped"`
	IdentityErrors []IdentityError `json:"identity_errors,omitempty"`
	Duration       time.Duration   `json:"duration_ns"`
}

// Total counts every recorded assertion.
func (s Summary) Total() int {
	return s.Passed + s.Failed + s.Skipped
}

// OK reports whether nothing failed and no identity was aborted.
func (s Summary) OK() bool {
	return s.Failed == 0 && len(s.IdentityErrors) == 0
}

// Add counts one result.
func (s *Summary) Add(r assert.Result) {
	switch {
	case r.Skipped:
		s.Skipped++
	case r.Passed:
		s.Passed++
	default:
		s.Failed++
	}
}

// Console prints one line per result, grouped by identity and group.
type Console struct {
	w       io.Writer
	verbose bool

	mu      sync.Mutex
	section string
}

// NewConsole writes to w. When verbose, inferred schemas of failed schema
// assertions are printed too.
func NewConsole(w io.Writer, verbose bool) *Console {
	return &Console{w: w, verbose: verbose}
}

// Record implements Sink.
func (c *Console) Record(r assert.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	section := r.Identity + " " + r.Group
	if section != c.section {
		fmt.Fprintf(c.w, "\n--- %s: %s ---\n\n", r.Identity, r.Group)
		c.section = section
	}

	fmt.Fprintf(c.w, "  %-4s  %s\n", label(r), r.ID)
	if r.Failed() {
		if r.Message != "" {
			fmt.Fprintf(c.w, "        %s\n", r.Message)
		}
		if len(r.Expected) > 0 || len(r.Actual) > 0 {
			fmt.Fprintf(c.w, "        expected %s, got %s\n", abbreviate(r.Expected), abbreviate(r.Actual))
		}
		if c.verbose && len(r.InferredSchema) > 0 {
			fmt.Fprintf(c.w, "        inferred schema %s\n", r.InferredSchema)
		}
	}
}

// Close implements Sink.
func (c *Console) Close(s Summary) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ie := range s.IdentityErrors {
		fmt.Fprintf(c.w, "\n  ERROR  %s: %s\n", ie.Identity, ie.Error)
	}
	fmt.Fprintln(c.w)
	_, err := fmt.Fprintf(c.w, "Results: %d passed, %d failed, %d skipped, %d total (%s)\n",
		s.Passed, s.Failed, s.Skipped, s.Total(), s.Duration.Round(time.Millisecond))
	return err
}

func label(r assert.Result) string {
	switch {
	case r.Skipped:
		return "SKIP"
	case r.Passed:
		return "PASS"
	}
	return "FAIL"
}

func abbreviate(raw json.RawMessage) string {
	const limit = 120
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return "nothing"
	}
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

// ResultsFile is the document written by JSONFile.
type ResultsFile struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Summary     Summary         `json:"summary"`
	Results     []assert.Result `json:"results"`
}

// JSONFile collects results and writes them to path on Close.
type JSONFile struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	results []assert.Result
}

// NewJSONFile creates a sink writing to path.
func NewJSONFile(path string) *JSONFile {
	return &JSONFile{path: path, now: time.Now}
}

// Record implements Sink.
func (j *JSONFile) Record(r assert.Result) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.results = append(j.results, r)
}

// Close implements Sink.
func (j *JSONFile) Close(s Summary) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	results := j.results
	if results == nil {
		results = []assert.Result{}
	}
	return Save(j.path, &ResultsFile{
		GeneratedAt: j.now().UTC(),
		Summary:     s,
		Results:     results,
	})
}

// Save writes a results file with indented JSON.
func Save(path string, rf *ResultsFile) error {
	data, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling results: %w", err)
	}
	data = append(data, '\n')
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating results dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads a results file.
func Load(path string) (*ResultsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rf ResultsFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &rf, nil
}

// Multi fans results out to several sinks.
type Multi []Sink

// Record implements Sink.
func (m Multi) Record(r assert.Result) {
	for _, s := range m {
		s.Record(r)
	}
}

// Close implements Sink. Every sink is closed; the first error is returned.
func (m Multi) Close(s Summary) error {
	var first error
	for _, sink := range m {
		if err := sink.Close(s); err != nil && first == nil {
			first = err
		}
	}
	return first
}
