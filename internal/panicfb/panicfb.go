// Package panicfb is the optional graphical panic console: when a
// linear framebuffer has been probed and attached, Panic renders the
// cause, pid, and register dump into it in addition to the UART dump,
// instead of leaving the screen blank. Absence of a framebuffer
// silently disables all of this.
//
// gg provides the drawing context, golang/freetype parses an optional
// embedded TTF for the banner text, golang.org/x/image supplies the
// built-in bitmap fallback face (when no TTF is loaded), and the
// standard library's image/draw does the compositing before the final
// BGRX repack.
package panicfb

import (
	"fmt"
	"image"
	"image/draw"
	"sync"
	"unsafe"

	"github.com/fogleman/gg"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
)

// Framebuffer describes a linear, memory-mapped XRGB8888 (BGRX-in-memory,
// little-endian) backbuffer. Negotiating the device itself (virtio-gpu's
// command queue, display-info/resource-create/attach-backing/set-scanout
// handshake) is out of scope for this module: it is a distinct device
// class from the block driver this kernel carries, and nothing here
// reimplements it. Attach is the seam a virtio-gpu probe, if one is ever
// added, would call.
type Framebuffer struct {
	Width, Height int
	Pitch         int // bytes per scanline; may exceed Width*4
	Buf           unsafe.Pointer
	BufSize       int
}

var (
	mu   sync.Mutex
	fb   Framebuffer
	face font.Face = basicfont.Face7x13
)

// Attach records the probed framebuffer. Called at most once, from boot.
func Attach(f Framebuffer) {
	mu.Lock()
	defer mu.Unlock()
	fb = f
}

// SetFont replaces the default bitmap fallback face with a scalable one
// parsed from TTF data, rendered at the given point size. If data fails
// to parse, the bitmap fallback stays in effect.
func SetFont(data []byte, points float64) error {
	f, err := freetype.ParseFont(data)
	if err != nil {
		return fmt.Errorf("panicfb: setfont: %w", err)
	}
	mu.Lock()
	face = truetype.NewFace(f, &truetype.Options{Size: points})
	mu.Unlock()
	return nil
}

// Init is a no-op placeholder for the boot sequence to call
// unconditionally: it exists so cmd/kernel doesn't need to special-case
// "no framebuffer attached" versus "framebuffer attach not yet called",
// and so a future virtio-gpu probe has an obvious place to wire Attach
// into without touching every caller of this package.
func Init() {}

// Panic renders a best-effort diagnostic banner — cause, pid, and a
// handful of register values — into the attached framebuffer. It never
// returns an error and never panics itself: a drawing failure here must
// not prevent the UART panic path (the authoritative one) from running.
func Panic(cause string, pid int, registers map[string]uint64) {
	mu.Lock()
	defer mu.Unlock()

	if fb.Width == 0 || fb.Height == 0 || fb.Buf == nil {
		return
	}

	dc := gg.NewContext(fb.Width, fb.Height)
	dc.SetRGB(0, 0, 0)
	dc.Clear()
	dc.SetFontFace(face)
	dc.SetRGB(1, 0.2, 0.2)

	y := 20.0
	dc.DrawString(fmt.Sprintf("PANIC: %s", cause), 10, y)
	y += 16
	dc.DrawString(fmt.Sprintf("pid=%d", pid), 10, y)
	for _, name := range sortedKeys(registers) {
		y += 16
		if y > float64(fb.Height)-10 {
			break
		}
		dc.DrawString(fmt.Sprintf("%s=%#x", name, registers[name]), 10, y)
	}

	flush(dc.Image())
}

// sortedKeys gives register names a stable print order without pulling
// in "sort" for what is, at most, three dozen RISC-V register names.
func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// flush composites the rendered RGBA frame onto a scratch image the size
// of the real framebuffer, then repacks it into the BGRX layout the
// device expects, one scanline at a time. The repack is the only step
// that touches device memory, so a partially drawn frame is never
// visible on screen.
func flush(src image.Image) {
	canvas := image.NewRGBA(image.Rect(0, 0, fb.Width, fb.Height))
	draw.Draw(canvas, canvas.Bounds(), src, image.Point{}, draw.Src)

	if fb.Pitch <= 0 || fb.Pitch*fb.Height > fb.BufSize {
		return
	}
	dst := unsafe.Slice((*uint8)(fb.Buf), fb.Pitch*fb.Height)

	for y := 0; y < fb.Height; y++ {
		srcRow := canvas.Pix[y*canvas.Stride:]
		dstRow := dst[y*fb.Pitch:]
		for x := 0; x < fb.Width; x++ {
			si, di := x*4, x*4
			r, g, b := srcRow[si+0], srcRow[si+1], srcRow[si+2]
			dstRow[di+0] = b
			dstRow[di+1] = g
			dstRow[di+2] = r
			dstRow[di+3] = 0
		}
	}
}
