// Package dataset loads the JSONL question set driving an evaluation run.
//
// All failures here are fatal by design: they happen before any network call,
// and a silently skipped or duplicated question would corrupt the run verdict.
package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/pkv-labs/ragcheck/internal/models"
)

// questionSchemaJSON is the shape every dataset record must satisfy before the
// loader applies its own trim/duplicate rules.
const questionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "question_id": {"type": "string", "minLength": 1},
    "question": {"type": "string", "minLength": 1}
  },
  "required": ["question_id", "question"]
}`

var questionSchema = mustCompileSchema(questionSchemaJSON, "question.schema.json")

func mustCompileSchema(raw, name string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parsing embedded %s: %v", name, err))
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("adding %s resource: %v", name, err))
	}

	sch, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compiling %s: %v", name, err))
	}
	return sch
}

// Load reads up to maxSamples question records from the JSONL file at path.
// Blank lines are skipped. A malformed line, a record failing schema
// validation, or a repeated question_id is an error; so is an empty result.
// The returned slice preserves file order and is not restartable; one load
// per run.
func Load(path string, maxSamples int) ([]models.QuestionItem, error) {
	if maxSamples <= 0 {
		return nil, fmt.Errorf("dataset: max samples must be > 0, got %d", maxSamples)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	var items []models.QuestionItem
	seen := make(map[string]struct{})

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		item, err := parseRecord(line)
		if err != nil {
			return nil, fmt.Errorf("dataset: line %d: %w", lineNo, err)
		}

		if _, dup := seen[item.QuestionID]; dup {
			return nil, fmt.Errorf("dataset: duplicate question_id %q (line %d)", item.QuestionID, lineNo)
		}
		seen[item.QuestionID] = struct{}{}

		items = append(items, item)
		if len(items) >= maxSamples {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("dataset: read %s: %w", path, err)
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("dataset: %s has no valid records", path)
	}
	return items, nil
}

func parseRecord(line string) (models.QuestionItem, error) {
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(line))
	if err != nil {
		return models.QuestionItem{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := questionSchema.Validate(instance); err != nil {
		return models.QuestionItem{}, fmt.Errorf("invalid record: %w", err)
	}

	var rec struct {
		QuestionID string `json:"question_id"`
		Question   string `json:"question"`
	}
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return models.QuestionItem{}, fmt.Errorf("invalid JSON: %w", err)
	}

	item := models.QuestionItem{
		QuestionID: strings.TrimSpace(rec.QuestionID),
		Question:   strings.TrimSpace(rec.Question),
	}
	// Whitespace-only values clear the schema's minLength but are still unusable.
	if item.QuestionID == "" {
		return models.QuestionItem{}, fmt.Errorf("question_id is required")
	}
	if item.Question == "" {
		return models.QuestionItem{}, fmt.Errorf("question is required")
	}
	return item, nil
}
