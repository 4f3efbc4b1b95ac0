package overlay

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/pgaskin/chromabridge/state"
)

// drawStats draws frame statistics in the top-left corner of img.
func drawStats(img *image.RGBA, st state.Stats, processor string) {
	text := fmt.Sprintf("%.1f fps | %.2f ms correct | %.2f ms frame | %s", st.FPS, st.RenderMS, st.FrameMS, processor)

	face := basicfont.Face7x13
	metrics := face.Metrics()
	width := font.MeasureString(face, text).Ceil()

	bg := image.Rect(0, 0, width+8, metrics.Height.Ceil()+6).Add(img.Rect.Min).Intersect(img.Rect)
	draw.Draw(img, bg, image.NewUniform(color.RGBA{A: 0xC0}), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.White,
		Face: face,
		Dot:  fixed.P(img.Rect.Min.X+4, img.Rect.Min.Y+3+metrics.Ascent.Ceil()),
	}
	d.DrawString(text)
}
