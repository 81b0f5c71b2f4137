package main

import (
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
)

// pathWidth wraps working directories and source refs in narrow terminals.
const pathWidth = 60

type column struct {
	Title    string
	Align    text.Align
	WidthMax int
}

func col(title string) column {
	return column{Title: title, Align: text.AlignLeft}
}

func numericCol(title string) column {
	return column{Title: title, Align: text.AlignRight}
}

// sheet renders rows under a fixed set of columns straight to an output.
type sheet struct {
	title   string
	columns []column
	rows    []table.Row
}

func newSheet(title string, columns ...column) *sheet {
	return &sheet{title: title, columns: columns}
}

// add appends a row; missing trailing cells render empty.
func (s *sheet) add(cells ...string) {
	row := make(table.Row, len(s.columns))
	for i := range row {
		row[i] = ""
		if i < len(cells) {
			row[i] = cells[i]
		}
	}
	s.rows = append(s.rows, row)
}

func (s *sheet) write(w io.Writer) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	if isTerminal(w) {
		tw.SetStyle(table.StyleRounded)
	} else {
		tw.SetStyle(table.StyleDefault)
	}
	if s.title != "" {
		tw.SetTitle(s.title)
	}

	header := make(table.Row, len(s.columns))
	configs := make([]table.ColumnConfig, len(s.columns))
	for i, c := range s.columns {
		header[i] = c.Title
		configs[i] = table.ColumnConfig{
			Number:      i + 1,
			Align:       c.Align,
			AlignHeader: text.AlignLeft,
			WidthMax:    c.WidthMax,
		}
	}
	tw.AppendHeader(header)
	tw.AppendRows(s.rows)
	tw.SetColumnConfigs(configs)
	tw.Render()
}

// isTerminal reports whether w is an interactive terminal. Piped output gets
// plain ASCII borders.
func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
