package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sort"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	tablePadding    = 20
	tableRowHeight  = 28
	tableLineHeight = 20
	tableCellInset  = 6
	tableMinColumn  = 120
	tableMaxColumn  = 260
	// tableMaxRows bounds the drawn rows; the rest are summarized in a footer.
	tableMaxRows = 200
)

var (
	tableBackground = image.NewUniform(color.White)
	tableHeaderFill = image.NewUniform(color.RGBA{0xf7, 0xf7, 0xf7, 0xff})
	tableHeaderLine = image.NewUniform(color.RGBA{0xcf, 0xcf, 0xcf, 0xff})
	tableCellLine   = image.NewUniform(color.RGBA{0xe0, 0xe0, 0xe0, 0xff})
	tableHeaderText = image.NewUniform(color.RGBA{0x22, 0x22, 0x22, 0xff})
	tableCellText   = image.NewUniform(color.RGBA{0x33, 0x33, 0x33, 0xff})
)

var errNoRows = errors.New("no rows to render")

// renderTable draws query rows as a PNG table. Columns are the keys of the
// first row in name order; cell text wraps on spaces and is clipped to its cell.
func renderTable(rows []map[string]any) ([]byte, error) {
	if len(rows) == 0 {
		return nil, errNoRows
	}
	face := basicfont.Face7x13
	columns := tableColumns(rows[0])

	shown := rows
	if len(shown) > tableMaxRows {
		shown = shown[:tableMaxRows]
	}

	widths := make([]int, len(columns))
	width := 2 * tablePadding
	for i, col := range columns {
		widest := measure(face, col) + 20
		for _, row := range shown {
			widest = max(widest, measure(face, cellText(row[col]))+20)
		}
		widths[i] = min(max(widest, tableMinColumn), tableMaxColumn)
		width += widths[i]
	}

	cells := make([][][]string, len(shown))
	heights := make([]int, len(shown))
	height := 2*tablePadding + tableRowHeight
	for r, row := range shown {
		cells[r] = make([][]string, len(columns))
		heights[r] = tableRowHeight
		for i, col := range columns {
			lines := wrapCell(face, cellText(row[col]), widths[i]-10)
			cells[r][i] = lines
			heights[r] = max(heights[r], len(lines)*tableLineHeight)
		}
		height += heights[r]
	}
	if len(rows) > len(shown) {
		height += tableRowHeight
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), tableBackground, image.Point{}, draw.Src)

	x := tablePadding
	for i, col := range columns {
		cell := image.Rect(x, tablePadding, x+widths[i], tablePadding+tableRowHeight)
		draw.Draw(img, cell, tableHeaderFill, image.Point{}, draw.Src)
		strokeRect(img, cell, tableHeaderLine)
		drawLines(img, cell, face, tableHeaderText, []string{col})
		x += widths[i]
	}

	y := tablePadding + tableRowHeight
	for r := range shown {
		x := tablePadding
		for i := range columns {
			cell := image.Rect(x, y, x+widths[i], y+heights[r])
			strokeRect(img, cell, tableCellLine)
			drawLines(img, cell, face, tableCellText, cells[r][i])
			x += widths[i]
		}
		y += heights[r]
	}
	if more := len(rows) - len(shown); more > 0 {
		footer := image.Rect(tablePadding, y, width-tablePadding, y+tableRowHeight)
		drawLines(img, footer, face, tableHeaderText, []string{fmt.Sprintf("... %d more rows", more)})
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode table: %w", err)
	}
	return buf.Bytes(), nil
}

func tableColumns(row map[string]any) []string {
	columns := make([]string, 0, len(row))
	for col := range row {
		columns = append(columns, col)
	}
	sort.Strings(columns)
	return columns
}

func cellText(v any) string {
	if v == nil {
		return ""
	}
	return strings.Join(strings.Fields(fmt.Sprint(v)), " ")
}

func measure(face font.Face, s string) int {
	return font.MeasureString(face, s).Ceil()
}

func wrapCell(face font.Face, text string, width int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}
	}
	var lines []string
	line := words[0]
	for _, word := range words[1:] {
		if measure(face, line+" "+word) > width {
			lines = append(lines, line)
			line = word
			continue
		}
		line += " " + word
	}
	return append(lines, line)
}

// drawLines writes lines from the top left of cell. Text outside cell is clipped.
func drawLines(img *image.RGBA, cell image.Rectangle, face font.Face, src image.Image, lines []string) {
	d := &font.Drawer{
		Dst:  img.SubImage(cell).(*image.RGBA),
		Src:  src,
		Face: face,
	}
	ascent := face.Metrics().Ascent.Ceil()
	for i, line := range lines {
		d.Dot = fixed.P(cell.Min.X+tableCellInset, cell.Min.Y+tableCellInset+ascent+i*tableLineHeight)
		d.DrawString(line)
	}
}

func strokeRect(img *image.RGBA, r image.Rectangle, src image.Image) {
	draw.Draw(img, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+1), src, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(r.Min.X, r.Max.Y-1, r.Max.X, r.Max.Y), src, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(r.Min.X, r.Min.Y, r.Min.X+1, r.Max.Y), src, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(r.Max.X-1, r.Min.Y, r.Max.X, r.Max.Y), src, image.Point{}, draw.Src)
}
