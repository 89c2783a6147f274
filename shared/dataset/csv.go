package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"titleforge/internal/models"
)

// Column names used by the trending dataset.
const (
	ColVideoID      = "video_id"
	ColTitle        = "title"
	ColCategoryID   = "categoryId"
	ColCategoryAlt  = "category_id"
	ColChannelID    = "channelId"
	ColChannelTitle = "channelTitle"
	ColTags         = "tags"
	ColViewCount    = "view_count"
)

// OutputColumns is the column set written by the category filter, in order.
var OutputColumns = []string{
	"video_id",
	"title",
	"publishedAt",
	"channelId",
	"channelTitle",
	"categoryId",
	"trending_date",
	"tags",
	"view_count",
	"likes",
	"dislikes",
	"comment_count",
}

var (
	// ErrMalformedRow marks a row that cannot be turned into a record.
	ErrMalformedRow = errors.New("malformed row")
	// ErrMissingColumn marks a header without a required column.
	ErrMissingColumn = errors.New("missing required column")
)

// Header maps column names to positions.
type Header struct {
	Columns []string
	index   map[string]int
}

func NewHeader(columns []string) Header {
	h := Header{Columns: columns, index: make(map[string]int, len(columns))}
	for i, c := range columns {
		name := strings.TrimSpace(strings.TrimPrefix(c, "\ufeff"))
		if _, dup := h.index[name]; !dup {
			h.index[name] = i
		}
	}
	return h
}

// Index returns the position of the first name present, or -1.
func (h Header) Index(names ...string) int {
	for _, n := range names {
		if i, ok := h.index[n]; ok {
			return i
		}
	}
	return -1
}

// Project keeps the columns of want that exist in h, preserving want's order.
func (h Header) Project(want []string) []string {
	var out []string
	for _, c := range want {
		if h.Index(c) >= 0 {
			out = append(out, c)
		}
	}
	return out
}

// Reader streams VideoRecords from a CSV source.
type Reader struct {
	csv    *csv.Reader
	header Header

	videoID, title, category, channelID, channelTitle, tags, views int
}

// NewReader reads the header row. video_id and title are required; the
// category column is optional here and checked by callers that need it.
func NewReader(r io.Reader) (*Reader, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	cols, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty dataset: %w", ErrMissingColumn)
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	h := NewHeader(cols)
	rd := &Reader{
		csv:          cr,
		header:       h,
		videoID:      h.Index(ColVideoID),
		title:        h.Index(ColTitle),
		category:     h.Index(ColCategoryID, ColCategoryAlt),
		channelID:    h.Index(ColChannelID),
		channelTitle: h.Index(ColChannelTitle),
		tags:         h.Index(ColTags),
		views:        h.Index(ColViewCount),
	}
	if rd.videoID < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, ColVideoID)
	}
	if rd.title < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, ColTitle)
	}
	return rd, nil
}

func (r *Reader) Header() Header { return r.header }

func (r *Reader) HasCategory() bool { return r.category >= 0 }

// parseCategory reads an integer category id. pandas writes integer columns
// with missing values as floats, so "28.0" is accepted but "28.9", NaN and
// infinities are not.
func parseCategory(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0, false
	}
	return int(f), true
}

// Next returns the next record, io.EOF at the end, or an error wrapping
// ErrMalformedRow for a row that should be skipped. Reading may continue
// after a malformed row.
func (r *Reader) Next() (models.VideoRecord, error) {
	row, err := r.csv.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return models.VideoRecord{}, io.EOF
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			return models.VideoRecord{}, fmt.Errorf("%w: %v", ErrMalformedRow, err)
		}
		return models.VideoRecord{}, err
	}

	line, _ := r.csv.FieldPos(0)
	if len(row) != len(r.header.Columns) {
		return models.VideoRecord{}, fmt.Errorf("%w: line %d has %d fields, header has %d", ErrMalformedRow, line, len(row), len(r.header.Columns))
	}

	rec := models.VideoRecord{
		VideoID: strings.TrimSpace(row[r.videoID]),
		Title:   row[r.title],
		Values:  row,
	}
	if rec.VideoID == "" {
		return models.VideoRecord{}, fmt.Errorf("%w: line %d has an empty video_id", ErrMalformedRow, line)
	}
	if r.category >= 0 {
		cat, ok := parseCategory(row[r.category])
		if !ok {
			return models.VideoRecord{}, fmt.Errorf("%w: line %d has category %q", ErrMalformedRow, line, row[r.category])
		}
		rec.CategoryID = cat
	}
	if r.channelID >= 0 {
		rec.ChannelID = row[r.channelID]
	}
	if r.channelTitle >= 0 {
		rec.ChannelTitle = row[r.channelTitle]
	}
	if r.tags >= 0 {
		rec.Tags = row[r.tags]
	}
	if r.views >= 0 {
		rec.ViewCount, _ = strconv.ParseInt(strings.TrimSpace(row[r.views]), 10, 64)
	}
	return rec, nil
}

// Writer writes records projected onto a fixed column set, optionally
// followed by extra annotation columns.
type Writer struct {
	csv *csv.Writer
	pos []int
}

func NewWriter(w io.Writer, source Header, columns []string, extra ...string) (*Writer, error) {
	cw := csv.NewWriter(w)
	pos := make([]int, len(columns))
	for i, c := range columns {
		pos[i] = source.Index(c)
	}
	header := append(append([]string{}, columns...), extra...)
	if err := cw.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	return &Writer{csv: cw, pos: pos}, nil
}

func (w *Writer) Write(rec models.VideoRecord, extra ...string) error {
	row := make([]string, 0, len(w.pos)+len(extra))
	for _, p := range w.pos {
		if p >= 0 && p < len(rec.Values) {
			row = append(row, rec.Values[p])
		} else {
			row = append(row, "")
		}
	}
	row = append(row, extra...)
	return w.csv.Write(row)
}

// Flush flushes buffered rows and reports any write error.
func (w *Writer) Flush() error {
	w.csv.Flush()
	return w.csv.Error()
}

// FormatTags renders the dataset's pipe-separated tags for a prompt.
func FormatTags(tags string) string {
	tags = strings.TrimSpace(tags)
	if tags == "" || tags == "[None]" {
		return "No tags"
	}
	parts := strings.Split(tags, "|")
	for i, p := range parts {
		parts[i] = strings.Trim(strings.TrimSpace(p), `"`)
	}
	return strings.Join(parts, ", ")
}
