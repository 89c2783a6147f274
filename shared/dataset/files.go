package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"titleforge/internal/models"
)

// Create opens path for writing, creating parent directories. The path "-"
// writes to stdout and the returned closer is a no-op.
func Create(path string) (io.WriteCloser, error) {
	if path == "-" {
		return nopCloser{os.Stdout}, nil
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// WriteJSON writes v to path as indented JSON.
func WriteJSON(path string, v interface{}, indent string) error {
	f, err := Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", indent)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}

// ReadJSON decodes the JSON document at path into v.
func ReadJSON(path string, v interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// ReadTrainingExamples loads a training_data.json file.
func ReadTrainingExamples(path string) ([]models.TrainingExample, error) {
	var examples []models.TrainingExample
	if err := ReadJSON(path, &examples); err != nil {
		return nil, err
	}
	return examples, nil
}

// ReadLines returns the trimmed non-empty lines of r, skipping # comments.
func ReadLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func ReadLinesFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadLines(f)
}

// Taxonomy maps category ids to their display names.
type Taxonomy map[int]string

// Category is one taxonomy entry.
type Category struct {
	ID   int
	Name string
}

// LoadTaxonomy reads the category reference file. Both the YouTube API
// listing shape ({"items":[{"id":"28","snippet":{"title":...}}]}) and a flat
// {"28":"Science & Technology"} object are accepted.
func LoadTaxonomy(r io.Reader) (Taxonomy, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var listing struct {
		Items []struct {
			ID      string `json:"id"`
			Snippet struct {
				Title string `json:"title"`
			} `json:"snippet"`
		} `json:"items"`
	}
	if err := json.Unmarshal(data, &listing); err == nil && len(listing.Items) > 0 {
		tax := make(Taxonomy, len(listing.Items))
		for _, item := range listing.Items {
			id, err := strconv.Atoi(item.ID)
			if err != nil {
				return nil, fmt.Errorf("invalid category id %q", item.ID)
			}
			tax[id] = item.Snippet.Title
		}
		return tax, nil
	}

	var flat map[string]string
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("unrecognized taxonomy format: %w", err)
	}
	tax := make(Taxonomy, len(flat))
	for k, v := range flat {
		id, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("invalid category id %q", k)
		}
		tax[id] = v
	}
	return tax, nil
}

func LoadTaxonomyFile(path string) (Taxonomy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadTaxonomy(f)
}

// Name returns the display name for id, or "category <id>" when unknown.
func (t Taxonomy) Name(id int) string {
	if name, ok := t[id]; ok {
		return name
	}
	return "category " + strconv.Itoa(id)
}

// Sorted returns the entries ordered by id.
func (t Taxonomy) Sorted() []Category {
	out := make([]Category, 0, len(t))
	for id, name := range t {
		out = append(out, Category{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
