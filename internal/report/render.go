package report

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-pdf/fpdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

func RenderHTML(doc *Document) ([]byte, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(doc.Markdown), &buf); err != nil {
		return nil, fmt.Errorf("error rendering report html: %w", err)
	}
	return buf.Bytes(), nil
}

const (
	bodyFontSize = 11
	codeFontSize = 9.5
	listIndent   = 6
)

var headingSizes = map[int]float64{1: 18, 2: 14, 3: 12.5}

// RenderPDF lays the markdown out on A4 pages using the core PDF fonts. The
// document timestamp is used for the PDF dates so the same document always
// produces the same bytes.
func RenderPDF(doc *Document) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCatalogSort(true)
	pdf.SetCreationDate(doc.CreatedAt)
	pdf.SetModificationDate(doc.CreatedAt)
	pdf.SetTitle(doc.Title, true)
	pdf.SetCreator("medassist-backend", false)
	pdf.SetMargins(18, 18, 18)
	pdf.SetAutoPageBreak(true, 18)

	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFooterFunc(func() {
		pdf.SetY(-14)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.CellFormat(0, 8, tr(fmt.Sprintf("%s  |  page %d", doc.Title, pdf.PageNo())), "", 0, "C", false, 0, "")
	})

	pdf.AddPage()

	source := []byte(doc.Markdown)
	root := markdown.Parser().Parse(text.NewReader(source))

	left, _, _, _ := pdf.GetMargins()
	r := &pdfRenderer{pdf: pdf, tr: tr, source: source, size: bodyFontSize, margins: []float64{left}}
	r.applyFont()

	if err := ast.Walk(root, r.visit); err != nil {
		return nil, fmt.Errorf("error laying out report: %w", err)
	}

	if pdf.Err() {
		return nil, fmt.Errorf("error rendering report pdf: %w", pdf.Error())
	}

	var out bytes.Buffer
	if err := pdf.Output(&out); err != nil {
		return nil, fmt.Errorf("error writing report pdf: %w", err)
	}
	return out.Bytes(), nil
}

type listState struct {
	ordered bool
	next    int
}

type pdfRenderer struct {
	pdf    *fpdf.Fpdf
	tr     func(string) string
	source []byte

	size   float64
	bold   int
	italic int
	code   int

	lists   []listState
	margins []float64
	cell    int
}

func (r *pdfRenderer) lineHeight() float64 {
	return r.size * 0.5
}

func (r *pdfRenderer) applyFont() {
	family := "Helvetica"
	size := r.size
	if r.code > 0 {
		family = "Courier"
		size = min(size, codeFontSize)
	}

	style := ""
	if r.bold > 0 {
		style += "B"
	}
	if r.italic > 0 {
		style += "I"
	}
	r.pdf.SetFont(family, style, size)
}

func (r *pdfRenderer) write(s string) {
	if s == "" {
		return
	}
	r.pdf.Write(r.lineHeight(), r.tr(s))
}

func (r *pdfRenderer) pushMargin(m float64) {
	r.margins = append(r.margins, m)
	r.pdf.SetLeftMargin(m)
}

func (r *pdfRenderer) popMargin() {
	r.margins = r.margins[:len(r.margins)-1]
	r.pdf.SetLeftMargin(r.margins[len(r.margins)-1])
}

func (r *pdfRenderer) visit(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Heading:
		if entering {
			r.pdf.Ln(2)
			r.size = headingSizes[min(node.Level, 3)]
			r.bold++
		} else {
			r.pdf.Ln(r.lineHeight() + 1.5)
			r.size = bodyFontSize
			r.bold--
		}
		r.applyFont()

	case *ast.Paragraph:
		if !entering {
			r.pdf.Ln(r.lineHeight())
			if len(r.lists) == 0 {
				r.pdf.Ln(2)
			}
		}

	case *ast.TextBlock:
		if !entering {
			r.pdf.Ln(r.lineHeight())
		}

	case *ast.Text:
		if entering {
			r.write(string(node.Segment.Value(r.source)))
			if node.HardLineBreak() {
				r.pdf.Ln(r.lineHeight())
			} else if node.SoftLineBreak() {
				r.write(" ")
			}
		}

	case *ast.String:
		if entering {
			r.write(string(node.Value))
		}

	case *ast.Emphasis:
		if node.Level >= 2 {
			r.bold += delta(entering)
		} else {
			r.italic += delta(entering)
		}
		r.applyFont()

	case *east.Strikethrough:
		// rendered as plain text

	case *ast.CodeSpan:
		r.code += delta(entering)
		r.applyFont()

	case *ast.FencedCodeBlock, *ast.CodeBlock:
		if !entering {
			return ast.WalkContinue, nil
		}
		r.code++
		r.applyFont()
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			segment := lines.At(i)
			r.write(strings.TrimRight(string(segment.Value(r.source)), "\n"))
			r.pdf.Ln(r.lineHeight())
		}
		r.code--
		r.applyFont()
		r.pdf.Ln(2)
		return ast.WalkSkipChildren, nil

	case *ast.Blockquote:
		r.italic += delta(entering)
		r.applyFont()

	case *ast.List:
		if entering {
			r.lists = append(r.lists, listState{ordered: node.IsOrdered(), next: node.Start})
		} else {
			r.lists = r.lists[:len(r.lists)-1]
			if len(r.lists) == 0 {
				r.pdf.Ln(2)
			}
		}

	case *ast.ListItem:
		if !entering {
			r.popMargin()
			return ast.WalkContinue, nil
		}
		list := &r.lists[len(r.lists)-1]
		marker := "•"
		if list.ordered {
			marker = strconv.Itoa(list.next) + "."
			list.next++
		}
		indent := r.margins[0] + float64(len(r.lists)-1)*listIndent
		r.pushMargin(indent + listIndent)
		r.pdf.SetX(indent)
		r.write(marker + " ")
		r.pdf.SetX(indent + listIndent)

	case *ast.ThematicBreak:
		if entering {
			left, _, right, _ := r.pdf.GetMargins()
			width, _ := r.pdf.GetPageSize()
			r.pdf.Ln(2)
			y := r.pdf.GetY()
			r.pdf.Line(left, y, width-right, y)
			r.pdf.Ln(4)
		}

	case *ast.AutoLink:
		if entering {
			r.write(string(node.URL(r.source)))
		}

	case *ast.HTMLBlock, *ast.RawHTML:
		return ast.WalkSkipChildren, nil

	case *east.Table:
		if !entering {
			r.pdf.Ln(2)
		}

	case *east.TableHeader:
		r.bold += delta(entering)
		r.applyFont()
		r.endRow(entering)

	case *east.TableRow:
		r.endRow(entering)

	case *east.TableCell:
		if entering {
			if r.cell > 0 {
				r.write("  |  ")
			}
			r.cell++
		}
	}

	return ast.WalkContinue, nil
}

func (r *pdfRenderer) endRow(entering bool) {
	if entering {
		r.cell = 0
	} else {
		r.pdf.Ln(r.lineHeight() + 1)
	}
}

func delta(entering bool) int {
	if entering {
		return 1
	}
	return -1
}
