// Command fontbake rasterizes a TTF into the fixed-width bitmap glyph
// table kernel/surface/font_data.go consumes at runtime, the same
// "host tool bakes an asset into a Go byte array" idiom as tools/makelogo
// uses for the boot logo.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"go/parser"
	"go/printer"
	"go/token"
	"image"
	"os"
	"sort"

	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[fontbake] error: %s\n", err.Error())
	os.Exit(1)
}

// rasterizeGlyph renders r at cellSize into a cellSize x cellSize 1-bit
// bitmap, returning one byte per row with bit 7 as the leftmost pixel.
func rasterizeGlyph(face font.Face, r rune, cellSize int) ([]uint8, bool) {
	dr, mask, maskp, advance, ok := face.Glyph(fixed.P(0, cellSize-cellSize/4), r)
	if !ok || advance == 0 {
		return nil, false
	}

	rows := make([]uint8, cellSize)
	bounds := dr.Bounds()
	for y := 0; y < cellSize; y++ {
		var row uint8
		for x := 0; x < cellSize; x++ {
			px := bounds.Min.X + x
			py := bounds.Min.Y + y
			if !(image.Point{X: px, Y: py}.In(bounds)) {
				continue
			}
			_, _, _, a := mask.At(maskp.X+px-bounds.Min.X, maskp.Y+py-bounds.Min.Y).RGBA()
			if a > 0x7fff {
				row |= 1 << uint(7-x)
			}
		}
		rows[y] = row
	}
	return rows, true
}

func genFontDataFile(face font.Face, runes []rune, cellSize int) (string, error) {
	var buf bytes.Buffer

	fmt.Fprint(&buf, "package surface\n\n")
	fmt.Fprintf(&buf, "const (\n\tglyphWidth = %d\n\tglyphHeight = %d\n)\n\n", cellSize, cellSize)
	fmt.Fprint(&buf, "var glyphTable = map[rune][glyphHeight]uint8{\n")

	sort.Slice(runes, func(i, j int) bool { return runes[i] < runes[j] })
	for _, r := range runes {
		rows, ok := rasterizeGlyph(face, r, cellSize)
		if !ok {
			continue
		}
		fmt.Fprintf(&buf, "\t%q: {", r)
		for i, row := range rows {
			if i > 0 {
				fmt.Fprint(&buf, ", ")
			}
			fmt.Fprintf(&buf, "0x%02x", row)
		}
		fmt.Fprint(&buf, "},\n")
	}
	fmt.Fprint(&buf, "}\n")

	return buf.String(), nil
}

func runTool() error {
	ttfPath := flag.String("ttf", "", "path to the TTF to rasterize")
	runeset := flag.String("runes", " !\"'.,:;?0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ", "the set of runes to bake")
	cellSize := flag.Int("size", 8, "glyph cell size in pixels (square)")
	output := flag.String("out", "-", "a file to write the generated table or - to output to STDOUT")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "fontbake: rasterize a TTF into a fixed bitmap glyph table\n\n")
		fmt.Fprint(os.Stderr, "Usage: fontbake -ttf font.ttf [options]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *ttfPath == "" {
		exit(errors.New("missing -ttf font path"))
	}

	raw, err := os.ReadFile(*ttfPath)
	if err != nil {
		return err
	}
	parsed, err := truetype.Parse(raw)
	if err != nil {
		return err
	}
	face := truetype.NewFace(parsed, &truetype.Options{
		Size:    float64(*cellSize),
		Hinting: font.HintingFull,
	})
	defer face.Close()

	data, err := genFontDataFile(face, []rune(*runeset), *cellSize)
	if err != nil {
		return err
	}

	fSet := token.NewFileSet()
	astFile, err := parser.ParseFile(fSet, "", data, parser.ParseComments)
	if err != nil {
		return err
	}

	switch *output {
	case "-":
		return printer.Fprint(os.Stdout, fSet, astFile)
	default:
		fOut, err := os.Create(*output)
		if err != nil {
			return err
		}
		defer fOut.Close()
		return printer.Fprint(fOut, fSet, astFile)
	}
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
