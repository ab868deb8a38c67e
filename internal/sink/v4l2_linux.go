//go:build linux

package sink

import (
	"fmt"
	"image"
	"os"
	"unsafe"

	"github.com/tatsu020/AvatarWebcam/internal/logger"
	"golang.org/x/sys/unix"
)

// V4L2 constants for configuring a v4l2loopback output device.
const (
	v4l2BufTypeVideoOutput = 2
	v4l2FieldNone          = 1

	// 'RGB3': packed 24-bit RGB
	v4l2PixFmtRGB24 = uint32('R') | uint32('G')<<8 | uint32('B')<<16 | uint32('3')<<24
)

// v4l2PixFormat mirrors struct v4l2_pix_format.
type v4l2PixFormat struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	BytesPerLine uint32
	SizeImage    uint32
	Colorspace   uint32
	Priv         uint32
	Flags        uint32
	YcbcrEnc     uint32
	Quantization uint32
	XferFunc     uint32
}

// v4l2Format mirrors struct v4l2_format on 64-bit kernels: a buffer type,
// then the 200-byte format union, of which we only use the pix member. The
// union holds pointer-bearing members (v4l2_window), so the kernel aligns it
// to 8 bytes; the explicit padding reproduces that, making the struct 208
// bytes with the union at offset 8.
type v4l2Format struct {
	Type uint32
	_    [4]byte
	Pix  v4l2PixFormat
	_    [200 - unsafe.Sizeof(v4l2PixFormat{})]byte
}

// VIDIOC_S_FMT: _IOWR('V', 5, struct v4l2_format). The kernel dispatches on
// the full number including the encoded struct size, so the size must match
// its own layout exactly.
func vidiocSetFmt() uintptr {
	return uintptr(3<<30 | uint32(unsafe.Sizeof(v4l2Format{}))<<16 | 'V'<<8 | 5)
}

// v4l2Sink writes RGB24 frames directly to a v4l2loopback output device.
type v4l2Sink struct {
	cfg   Config
	file  *os.File
	clock *frameClock
	rgb   []byte
}

func openV4L2(cfg Config) (Sink, error) {
	f, err := os.OpenFile(cfg.Device, os.O_RDWR, 0)
	if err != nil {
		return nil, &InitError{Backend: "v4l2", Err: fmt.Errorf("failed to open %s: %w", cfg.Device, err)}
	}

	format := v4l2Format{Type: v4l2BufTypeVideoOutput}
	format.Pix = v4l2PixFormat{
		Width:        uint32(cfg.Width),
		Height:       uint32(cfg.Height),
		PixelFormat:  v4l2PixFmtRGB24,
		Field:        v4l2FieldNone,
		BytesPerLine: uint32(cfg.Width * 3),
		SizeImage:    uint32(cfg.Width * cfg.Height * 3),
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), vidiocSetFmt(), uintptr(unsafe.Pointer(&format)))
	if errno != 0 {
		f.Close()
		return nil, &InitError{Backend: "v4l2", Err: fmt.Errorf("VIDIOC_S_FMT on %s: %w", cfg.Device, errno)}
	}

	logger.WithComponent("v4l2-sink").Info().
		Str("device", cfg.Device).
		Int("width", cfg.Width).
		Int("height", cfg.Height).
		Int("fps", cfg.FPS).
		Msg("Virtual camera device opened")

	return &v4l2Sink{
		cfg:   cfg,
		file:  f,
		clock: newFrameClock(cfg.FPS),
		rgb:   make([]byte, cfg.Width*cfg.Height*3),
	}, nil
}

func (s *v4l2Sink) Send(frame *image.RGBA) error {
	b := frame.Bounds()
	if b.Dx() != s.cfg.Width || b.Dy() != s.cfg.Height {
		return fmt.Errorf("frame size mismatch: got %dx%d, device is %dx%d",
			b.Dx(), b.Dy(), s.cfg.Width, s.cfg.Height)
	}

	// Strip the alpha channel into the reusable RGB24 buffer
	dst := 0
	for y := 0; y < s.cfg.Height; y++ {
		src := y * frame.Stride
		for x := 0; x < s.cfg.Width; x++ {
			s.rgb[dst] = frame.Pix[src]
			s.rgb[dst+1] = frame.Pix[src+1]
			s.rgb[dst+2] = frame.Pix[src+2]
			dst += 3
			src += 4
		}
	}

	if _, err := s.file.Write(s.rgb); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (s *v4l2Sink) SleepUntilNextFrame() {
	s.clock.SleepUntilNextFrame()
}

func (s *v4l2Sink) Close() error {
	logger.WithComponent("v4l2-sink").Info().Str("device", s.cfg.Device).Msg("Virtual camera device closed")
	return s.file.Close()
}
