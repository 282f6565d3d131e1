package render

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"

	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

// Style controls how the overlay is stroked.
type Style struct {
	Color      color.Color
	Width      float64
	DrawLabels bool
	FontSize   float64
}

func DefaultStyle() Style {
	return Style{Color: namedColors["purple"], Width: 4, FontSize: 16}
}

var namedColors = map[string]color.RGBA{
	"purple": {R: 128, G: 0, B: 128, A: 255},
	"red":    {R: 255, G: 0, B: 0, A: 255},
	"green":  {R: 0, G: 128, B: 0, A: 255},
	"lime":   {R: 0, G: 255, B: 0, A: 255},
	"blue":   {R: 0, G: 0, B: 255, A: 255},
	"yellow": {R: 255, G: 255, B: 0, A: 255},
	"white":  {R: 255, G: 255, B: 255, A: 255},
	"black":  {R: 0, G: 0, B: 0, A: 255},
}

// ParseColor accepts a CSS color name from a small set or a #rrggbb hex value.
func ParseColor(s string) (color.Color, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if c, ok := namedColors[s]; ok {
		return c, nil
	}
	if strings.HasPrefix(s, "#") && len(s) == 7 {
		v, err := strconv.ParseUint(s[1:], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid color %q: %w", s, err)
		}
		return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
	}
	return nil, fmt.Errorf("unknown color %q", s)
}

var labelFont *truetype.Font

func init() {
	var err error
	labelFont, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}
